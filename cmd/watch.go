package cmd

import (
	"context"
	"time"

	"github.com/alwitt/gtrack/common"
	"github.com/alwitt/gtrack/locstore"
	"github.com/alwitt/gtrack/mapview"
	"github.com/alwitt/gtrack/tracking"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// WatchCLIArgs arguments
type WatchCLIArgs struct {
	// Collectors restrict the view to these collectors
	Collectors cli.StringSlice
	// FitPadding padding in pixels of the camera fit done at exit, 0 skips it
	FitPadding int `validate:"gte=0"`
}

// GetWatchCLIFlags retrieve the set of CMD flags for the headless viewer
func GetWatchCLIFlags(args *WatchCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "collector",
			Usage:       "Only follow this collector. Repeat for more.",
			Aliases:     []string{"wc"},
			EnvVars:     []string{"WATCH_COLLECTORS"},
			Destination: &args.Collectors,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "fit-padding",
			Usage:       "Fit the camera around all markers at exit with this padding",
			Aliases:     []string{"wfp"},
			EnvVars:     []string{"WATCH_FIT_PADDING"},
			Value:       0,
			DefaultText: "0",
			Destination: &args.FitPadding,
			Required:    false,
		},
	}
}

// RunWatcher run a headless live view logging every map operation
func RunWatcher(
	runtimeContext context.Context,
	config common.SystemConfig,
	params WatchCLIArgs,
	instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watcher",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	filter := locstore.Filter{EntityIDs: params.Collectors.Value()}
	for _, entityID := range filter.EntityIDs {
		if err := common.ValidateEntityID(entityID, validate); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Invalid collector ID '%s'", entityID)
			return err
		}
	}

	storeRuntime, err := OpenStoreRuntime(config, instance)
	if err != nil {
		return err
	}
	defer storeRuntime.Close()

	// The view outlives the runtime context long enough to report its final state
	viewCtxt, viewCancel := context.WithCancel(context.Background())
	defer viewCancel()
	surface := mapview.NewRecordingSurface(instance, 1, true)
	subscriber, err := tracking.GetLocationSubscriber(
		viewCtxt, tracking.ParamsFromConfig(instance, config.Viewer, storeRuntime.Store, surface),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define live view")
		return err
	}
	defer func() {
		if err := subscriber.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Live view close failed")
		}
	}()

	if err := subscriber.Activate(runtimeContext, filter); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to activate live view")
		return err
	}
	log.WithFields(logTags).Info("Watching collectors")

	<-runtimeContext.Done()

	// Final view summary
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if params.FitPadding > 0 {
		if err := subscriber.FitMarkers(ctxt, params.FitPadding); err != nil {
			log.WithError(err).WithFields(logTags).Error("Camera fit failed")
		}
	}
	markers, err := subscriber.Markers(ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read markers")
		return err
	}
	for _, marker := range markers {
		log.WithFields(logTags).Infof(
			"%s at %s (stale=%v)", marker.Title, marker.Displayed.WKT(), subscriber.Stale(),
		)
	}
	return nil
}
