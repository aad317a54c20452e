// Package audit записывает журнал отправленных команд в формате JSON Lines.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"farmstack-bridge/common"
	"farmstack-bridge/logging"
)

// ActionCommandSent - действие для подтвержденной команды
const ActionCommandSent = "command.sent"

// Config представляет настройки журнала аудита
type Config struct {
	File       string `mapstructure:"file"` // Пусто - записи только в общий лог
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Entry представляет одну запись журнала
type Entry struct {
	Timestamp     time.Time       `json:"ts"`
	Actor         string          `json:"actor,omitempty"`
	Action        string          `json:"action"`
	AssetID       string          `json:"asset_id"`
	Site          string          `json:"site"`
	Device        string          `json:"device"`
	CorrelationID string          `json:"correlation_id"`
	Command       common.Command  `json:"command"`
	Ack           common.AckEvent `json:"ack"`
	Retries       int             `json:"retries"`
}

// Logger дописывает записи в файл
type Logger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	logger *log.Logger
}

// New открывает журнал с ротацией по размеру
func New(cfg Config) *Logger {
	l := &Logger{logger: logging.New("[Audit] ")}
	if cfg.File == "" {
		return l
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	l.w = file
	l.closer = file
	return l
}

// NewWithWriter создает журнал поверх произвольного writer
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{w: w, logger: logging.New("[Audit] ")}
}

// Record дописывает запись; без файла запись уходит в общий лог
func (l *Logger) Record(_ context.Context, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Action == "" {
		entry.Action = ActionCommandSent
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	if l.w == nil {
		l.logger.Printf("%s", data)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Close закрывает файл журнала
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}
