package logging

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// output writes to stdout and, when a file path is configured, to a rotating
// log file.
func output(cfg *LoggerConfig) io.Writer {
	if cfg.FilePath == "" {
		return os.Stdout
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.FilePath, "codesync.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}

	return io.MultiWriter(os.Stdout, file)
}
