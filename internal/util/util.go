package util

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
)

func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		LogWarn("Error checking directory existence: %v", err)
		return false
	}
	return info.IsDir()
}

func FormatUptime(d time.Duration) string {
	seconds := int(d.Seconds()) % 60
	minutes := int(d.Minutes()) % 60
	hours := int(d.Hours())
	switch {
	case hours > 0:
		return fmt.Sprintf("%d hour%s, %d minute%s, %d second%s",
			hours, plural(hours),
			minutes, plural(minutes),
			seconds, plural(seconds))
	case minutes > 0:
		return fmt.Sprintf("%d minute%s, %d second%s",
			minutes, plural(minutes),
			seconds, plural(seconds))
	default:
		return fmt.Sprintf("%d second%s", seconds, plural(seconds))
	}
}

// FormatWait renders a wait for status strings, e.g. "2 minutes 30 seconds".
func FormatWait(d time.Duration) string {
	if d < time.Second {
		return "less than a second"
	}
	return durafmt.Parse(d.Truncate(time.Second)).LimitFirstN(2).String()
}

// FormatCount renders a pixel count with thousands separators.
func FormatCount(n int) string {
	return humanize.Comma(int64(n))
}

// FormatSince renders a timestamp relative to now ("3 minutes ago").
func FormatSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		LogWarn("Invalid duration for %s: %v, using default %v", key, err, fallback)
		return fallback
	}
	return d
}

func GetEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	i, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		LogWarn("Invalid int for %s: %v, using default %d", key, err, fallback)
		return fallback
	}
	return i
}

func GetEnvString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func GetEnvBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(val))
	if err != nil {
		LogWarn("Invalid bool for %s: %v, using default %v", key, err, fallback)
		return fallback
	}
	return b
}

func LogInfo(format string, v ...any) {
	log.Printf("[INFO] "+format, v...)
}

func LogWarn(format string, v ...any) {
	log.Printf("[WARN] "+format, v...)
}

func LogError(format string, v ...any) {
	log.Printf("[ERROR] "+format, v...)
}

func LogFatal(format string, v ...any) {
	log.Fatalf("[FATAL] "+format, v...)
}

// Logger prefixes every line with a fixed context such as "[tpl:heart] ".
type Logger struct {
	Prefix string
}

func NewLogger(parts ...string) Logger {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(p)
		b.WriteByte(' ')
	}
	return Logger{Prefix: b.String()}
}

// With returns a copy with another context part appended.
func (l Logger) With(part string) Logger {
	if part == "" {
		return l
	}
	return Logger{Prefix: l.Prefix + part + " "}
}

func (l Logger) Info(format string, v ...any)  { LogInfo(l.Prefix+format, v...) }
func (l Logger) Warn(format string, v ...any)  { LogWarn(l.Prefix+format, v...) }
func (l Logger) Error(format string, v ...any) { LogError(l.Prefix+format, v...) }
