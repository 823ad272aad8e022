package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)

	type testStruct1 struct{ value int }

	received := []int{}
	testWG := sync.WaitGroup{}
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testStruct1{}), func(p interface{}) error {
			received = append(received, p.(testStruct1).value)
			testWG.Done()
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: tasks are processed in submission order
	{
		testWG.Add(3)
		for itr := 0; itr < 3; itr++ {
			useContext, lclCancel := context.WithTimeout(context.Background(), time.Second)
			assert.Nil(uut.Submit(useContext, testStruct1{value: itr}))
			lclCancel()
		}
		testWG.Wait()
		assert.Equal([]int{0, 1, 2}, received)
	}

	// Case 2: submit after the loop stopped
	{
		assert.Nil(uut.StopEventLoop())
		wg.Wait()
		// Once the buffer fills, submissions can only see the stopped loop
		failures := 0
		for itr := 0; itr < 8; itr++ {
			if err := uut.Submit(context.Background(), testStruct1{value: itr}); err != nil {
				failures++
			}
		}
		assert.Greater(failures, 0)
	}
}

func TestTaskProcessorInvalidBuffer(t *testing.T) {
	assert := assert.New(t)
	_, err := GetNewTaskProcessorInstance(context.Background(), "testing", 0)
	assert.NotNil(err)
}
