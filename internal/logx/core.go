package logx

import (
	"fmt"
	"io"

	"go.uber.org/zap/zapcore"
)

// ringCore is the zapcore.Core that backs Logger's stdio output: Write
// formats the entry and writes it to stdout/stderr. Logger.log appends
// every entry to the in-memory ring (§3, §9) itself and only invokes
// Write after its shouldLog check passed, so Enabled unconditionally
// returns true and the namespace/level filtering is the Logger's own
// responsibility upstream.
type ringCore struct {
	logger *Logger
}

var _ zapcore.Core = (*ringCore)(nil)

func (c *ringCore) Enabled(zapcore.Level) bool { return true }

func (c *ringCore) With([]zapcore.Field) zapcore.Core { return c }

func (c *ringCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(ent, c)
}

func (c *ringCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	var debug string
	var elapsedMs int64 = -1
	for _, f := range fields {
		switch f.Key {
		case "debug":
			debug = f.String
		case "elapsedMs":
			elapsedMs = f.Integer
		}
	}
	level := zapLevelToLogx(ent.Level)
	w := c.logger.writerFor(level)
	formatEntry(w, debug, level, ent.Message, elapsedMs)
	return nil
}

func (c *ringCore) Sync() error { return nil }

func formatEntry(w io.Writer, debug string, level Level, message string, elapsedMs int64) {
	label := "percy"
	if debug != "" {
		label = fmt.Sprintf("percy:%s", debug)
	}
	coloredLabel := fmt.Sprintf("%s[%s]%s", ansiMagenta, label, ansiReset)
	coloredMessage := message
	switch level {
	case LevelError:
		coloredMessage = ansiRed + message + ansiReset
	case LevelWarn:
		coloredMessage = ansiYellow + message + ansiReset
	case LevelInfo, LevelDebug:
		if looksLikeURL(message) {
			coloredMessage = ansiBlue + message + ansiReset
		}
	}
	fmt.Fprintf(w, "%s %s%s\n", coloredLabel, coloredMessage, elapsedSuffix(elapsedMs))
}

func looksLikeURL(s string) bool {
	return len(s) >= 7 && (s[:7] == "http://" || (len(s) >= 8 && s[:8] == "https://"))
}

func elapsedSuffix(elapsedMs int64) string {
	if elapsedMs < 0 {
		return ""
	}
	return fmt.Sprintf(" %s(%dms)%s", ansiGrey, elapsedMs, ansiReset)
}

func zapLevelOf(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func zapLevelToLogx(level zapcore.Level) Level {
	switch level {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.InfoLevel:
		return LevelInfo
	case zapcore.WarnLevel:
		return LevelWarn
	default:
		return LevelError
	}
}
