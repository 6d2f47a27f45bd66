/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package log gives every package in this module the same Infof/Warnf/
// Errorf/Debugf/Fatalf surface the teacher's hand-rolled logger exposed,
// backed by a real structured logger (go.uber.org/zap) instead of a
// bespoke writer.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	mu      sync.RWMutex
	sugared *zap.SugaredLogger
)

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	sugared = logger.Sugar()
}

// SetLogger replaces the backing zap logger, e.g. with zap.NewDevelopment()
// in tests that want readable console output.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	sugared = l.Sugar()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugared
}

func Debugf(format string, args ...interface{}) { get().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { get().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { get().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { get().Errorf(format, args...) }

// Error logs err at error level, mirroring the teacher's log.Error(err)
// call sites.
func Error(err error) {
	if err == nil {
		return
	}
	get().Error(err)
}

// Fatalf logs at fatal level and exits -- reserved for unrecoverable
// startup errors, never called from request-handling paths.
func Fatalf(format string, args ...interface{}) {
	get().Fatalf(format, args...)
	os.Exit(1)
}
