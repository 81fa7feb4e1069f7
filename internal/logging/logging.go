// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging configures the Logrus logging library.
package logging

import (
	stackdriver "github.com/TV4/logrus-stackdriver-formatter"
	"github.com/sirupsen/logrus"

	"matchcore.dev/matchcore/internal/config"
	"matchcore.dev/matchcore/internal/consts"
)

// ConfigureLogging sets up the logrus instance using the logging section of matchcore.yaml
//  - log line format (text[default], json or stackdriver)
//  - min log level to include (trace, debug, info [default], warn, error, fatal, panic)
//  - include source file and line number for every event (false [default], true)
func ConfigureLogging(cfg config.View) {
	logrus.SetFormatter(newFormatter(cfg.GetString(consts.LoggingFormat)))
	level := toLevel(cfg.GetString(consts.LoggingLevel))
	logrus.SetLevel(level)
	if isDebugLevel(level) {
		logrus.Warnf("%s logging level configured. Not recommended for production!", level)
	}
	logrus.SetReportCaller(cfg.GetBool(consts.LoggingSource))
}

func newFormatter(formatter string) logrus.Formatter {
	switch formatter {
	case "stackdriver":
		return stackdriver.NewFormatter()
	case "json":
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{}
}

func isDebugLevel(level logrus.Level) bool {
	return level == logrus.TraceLevel || level == logrus.DebugLevel
}

func toLevel(level string) logrus.Level {
	switch level {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	}
	return logrus.InfoLevel
}
