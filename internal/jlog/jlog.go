// Copyright 2025 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jlog provides the structured logger shared by every component,
// lazily attaching a per-invocation session identifier so that concurrent
// runs on the same host can be told apart in diagnostics.
package jlog

import (
	"log/slog"
	"os"
	"sync"

	petname "github.com/dustinkirkland/golang-petname"
)

var (
	once    sync.Once
	session string
	logger  *slog.Logger
)

func init() {
	petname.NonDeterministicMode()
}

// Session returns the petname-generated identifier for this process,
// generating it on first use.
func Session() string {
	once.Do(func() {
		session = petname.Generate(2, "-")
	})
	return session
}

// Logger returns the package-wide structured logger, attaching the
// session identifier to every record. Level defaults to Warn unless
// RUNJAIL_DEBUG is set, matching the quiet-by-default posture expected of
// a sandbox launcher whose real user-facing diagnostics go to stderr via
// jailerr, not the log.
func Logger() *slog.Logger {
	if logger != nil {
		return logger
	}
	level := slog.LevelWarn
	if os.Getenv("RUNJAIL_DEBUG") != "" {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger = slog.New(h).With(slog.String("session", Session()))
	return logger
}
