package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Brownie44l1/medvision-api/internal/config"

	log "github.com/sirupsen/logrus"
)

var (
	mu      sync.Mutex
	logFile *os.File
)

// Init configures the global logrus logger from cfg. A log file opened by an
// earlier Init is closed first.
func Init(cfg config.LogConfig) error {
	mu.Lock()
	defer mu.Unlock()
	closeFile()

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("Invalid log level '%s', defaulting to 'info': %v", cfg.Level, err)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	writers := []io.Writer{os.Stdout}

	if cfg.File != "" {
		logDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(logDir, 0750); err != nil {
			log.Errorf("Failed to create log directory '%s': %v", logDir, err)
		} else {
			file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
			if err != nil {
				log.Errorf("Failed to open log file '%s': %v", cfg.File, err)
			} else {
				writers = append(writers, file)
				logFile = file
				log.Infof("Logging additionally to file: %s", cfg.File)
			}
		}
	}

	log.SetOutput(io.MultiWriter(writers...))
	log.Debug("Logger initialized")
	return nil
}

// Close points the logger back at stdout and closes the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(os.Stdout)
	return closeFile()
}

func closeFile() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}
