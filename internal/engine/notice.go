package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/markb/pljs/internal/log"
)

// Level is a notice severity. Values follow the server's elog levels.
type Level int

const (
	LevelDebug   Level = 14
	LevelLog     Level = 15
	LevelInfo    Level = 17
	LevelNotice  Level = 18
	LevelWarning Level = 19
	LevelError   Level = 21
	LevelFatal   Level = 22
)

var levelNames = map[Level]string{
	LevelDebug:   "DEBUG",
	LevelLog:     "LOG",
	LevelInfo:    "INFO",
	LevelNotice:  "NOTICE",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
	LevelFatal:   "FATAL",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL%d", int(l))
}

// Levels returns every notice level.
func Levels() []Level {
	return []Level{LevelDebug, LevelLog, LevelInfo, LevelNotice, LevelWarning, LevelError, LevelFatal}
}

// ParseLevel resolves a level name.
func ParseLevel(name string) (Level, bool) {
	for l, n := range levelNames {
		if strings.EqualFold(n, name) {
			return l, true
		}
	}
	return 0, false
}

// slogLevel maps a notice level onto the process logger.
func (l Level) slogLevel() slog.Level {
	switch {
	case l <= LevelLog:
		return slog.LevelDebug
	case l <= LevelNotice:
		return slog.LevelInfo
	case l == LevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Notice is a message emitted to the client.
type Notice struct {
	Level   Level
	Message string
}

func (n Notice) String() string {
	return n.Level.String() + ":  " + n.Message
}

// Notice emits a message at the given level. ERROR and FATAL abort the running
// transaction and are returned as an *AbortError.
func (s *Session) Notice(level Level, msg string) error {
	if _, ok := levelNames[level]; !ok {
		return fmt.Errorf("invalid notice level %d", int(level))
	}
	if level >= LevelError {
		return s.raise(level, nil, "%s", msg)
	}
	log.Log(context.Background(), level.slogLevel(), msg, "level", level.String(), "session", s.id)
	n := Notice{Level: level, Message: msg}
	s.notices = append(s.notices, n)
	if s.cfg.OnNotice != nil {
		s.cfg.OnNotice(n)
	}
	return nil
}

func (s *Session) drainNotices() []Notice {
	out := s.notices
	s.notices = nil
	return out
}
