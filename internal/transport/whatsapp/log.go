package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	logx "joinbot/pkg/logx"
)

// waLogger routes whatsmeow's internal logging into logx.
type waLogger struct {
	log    logx.Logger
	module string
}

func newWALogger(log logx.Logger, module string) waLog.Logger {
	return waLogger{log: log.With(logx.String("wa", module)), module: module}
}

func (l waLogger) Debugf(msg string, args ...any) { l.log.Debug(fmt.Sprintf(msg, args...)) }
func (l waLogger) Infof(msg string, args ...any)  { l.log.Info(fmt.Sprintf(msg, args...)) }
func (l waLogger) Warnf(msg string, args ...any)  { l.log.Warn(fmt.Sprintf(msg, args...)) }
func (l waLogger) Errorf(msg string, args ...any) { l.log.Error(fmt.Sprintf(msg, args...)) }

func (l waLogger) Sub(module string) waLog.Logger {
	return newWALogger(l.log, l.module+"/"+module)
}
