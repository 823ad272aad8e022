package common

import (
	"context"
	"fmt"
	"regexp"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// UpdateLogTags build a copy of the log tags with request metadata stored in the context
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newLogTags := log.Fields{}
	for key, value := range original {
		newLogTags[key] = value
	}
	if ctxt == nil {
		return newLogTags, nil
	}
	if ctxt.Value(RequestParam{}) != nil {
		v, ok := ctxt.Value(RequestParam{}).(RequestParam)
		if !ok {
			return nil, fmt.Errorf("request param in context is %T", ctxt.Value(RequestParam{}))
		}
		v.UpdateLogTags(newLogTags)
	}
	if ctxt.Value(SessionID{}) != nil {
		if v, ok := ctxt.Value(SessionID{}).(string); ok {
			newLogTags["session"] = v
		}
	}
	return newLogTags, nil
}

// SessionID context key for a live view session
type SessionID struct{}

// entityIDRegex the characters permitted in an entity ID. The same key is used as a
// JetStream KV key and a SQL primary key.
var entityIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// entityIDWrapper wrapper for validating an entity ID
type entityIDWrapper struct {
	ID string `validate:"required,max=128"`
}

// ValidateEntityID validate an entity ID
func ValidateEntityID(id string, validate *validator.Validate) error {
	t := entityIDWrapper{ID: id}
	if err := validate.Struct(&t); err != nil {
		return err
	}
	if !entityIDRegex.MatchString(id) {
		return fmt.Errorf("entity ID '%s' contains unsupported characters", id)
	}
	return nil
}
