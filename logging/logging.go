// Package logging настраивает общий вывод для логгеров всех пакетов моста.
//
// Каждый пакет создает свой *log.Logger с префиксом через New. Все логгеры пишут
// в общий writer, который Configure может переключить на stdout + файл с ротацией.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Уровни логирования
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
)

// Config представляет настройки логирования
type Config struct {
	Level      string `mapstructure:"level"`        // debug, info, warn
	File       string `mapstructure:"file"`         // Путь к файлу лога (пусто - только stdout)
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // Размер файла до ротации
	MaxBackups int    `mapstructure:"max_backups"`  // Сколько старых файлов хранить
	MaxAgeDays int    `mapstructure:"max_age_days"` // Сколько дней хранить старые файлы
}

// switchWriter позволяет заменить вывод уже созданных логгеров
type switchWriter struct {
	mu sync.RWMutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.Write(p)
}

func (s *switchWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

var (
	out   = &switchWriter{w: os.Stdout}
	level atomic.Int32
	file  *lumberjack.Logger
)

func init() {
	level.Store(LevelInfo)
}

// New создает логгер с префиксом, пишущий в общий вывод
func New(prefix string) *log.Logger {
	return log.New(out, prefix, log.LstdFlags|log.Lshortfile)
}

// Configure применяет уровень и файл с ротацией
func Configure(cfg Config) {
	SetLevel(cfg.Level)

	if file != nil {
		file.Close()
		file = nil
	}
	if cfg.File == "" {
		out.set(os.Stdout)
		return
	}

	file = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	out.set(io.MultiWriter(os.Stdout, file))
}

// SetOutput заменяет общий вывод (используется в тестах)
func SetOutput(w io.Writer) {
	out.set(w)
}

// SetLevel устанавливает уровень по имени; неизвестное имя означает info
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Store(LevelDebug)
	case "warn", "warning":
		level.Store(LevelWarn)
	default:
		level.Store(LevelInfo)
	}
}

// Enabled возвращает true, если сообщения уровня lvl выводятся
func Enabled(lvl int) bool {
	return int32(lvl) >= level.Load()
}

// Debugf пишет сообщение только на уровне debug
func Debugf(l *log.Logger, format string, args ...interface{}) {
	if Enabled(LevelDebug) {
		l.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
	}
}

// Infof пишет информационное сообщение, если уровень не выше info
func Infof(l *log.Logger, format string, args ...interface{}) {
	if Enabled(LevelInfo) {
		l.Output(2, fmt.Sprintf(format, args...))
	}
}

// Close закрывает файл лога, если он открыт
func Close() error {
	if file == nil {
		return nil
	}
	out.set(os.Stdout)
	err := file.Close()
	file = nil
	return err
}
