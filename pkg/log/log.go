// Package log builds the logrus loggers used across the stack.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultPattern = "%time [%level] %msg %field\n"
	DefaultTime    = "2006-01-02 15:04:05.000"
)

// FileOptions 日志文件滚动配置
type FileOptions struct {
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backups
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Options 日志配置
type Options struct {
	Level   string      `mapstructure:"level" yaml:"level"`
	Pattern string      `mapstructure:"pattern" yaml:"pattern"`
	Time    string      `mapstructure:"time_format" yaml:"time_format"`
	Caller  bool        `mapstructure:"caller" yaml:"caller"`
	File    FileOptions `mapstructure:"file" yaml:"file"`
}

// New 根据配置创建logger. Output always goes to stderr, and to a rotating
// file when File.Filename is set.
func New(opts Options) (*logrus.Logger, error) {
	level := logrus.InfoLevel
	if opts.Level != "" {
		var err error
		level, err = logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}
	pattern := opts.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	timeFormat := opts.Time
	if timeFormat == "" {
		timeFormat = DefaultTime
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetReportCaller(opts.Caller)
	l.SetFormatter(&formatter{pattern: pattern, time: timeFormat})

	w := NewMultiWriter().Add(os.Stderr)
	if opts.File.Filename != "" {
		w.AddFileAppender(opts.File)
	}
	l.SetOutput(w)
	return l, nil
}

var (
	once     sync.Once
	fallback *logrus.Entry
)

// Default 返回默认的logger, used when a component is given none.
func Default() *logrus.Entry {
	once.Do(func() {
		l, _ := New(Options{})
		fallback = logrus.NewEntry(l)
	})
	return fallback
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// MultiWriter 把日志写到多个输出
type MultiWriter struct {
	writers []io.Writer
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{writers: make([]io.Writer, 0)}
}

func (m *MultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range m.writers {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}

func (m *MultiWriter) Add(writer io.Writer) *MultiWriter {
	m.writers = append(m.writers, writer)
	return m
}

func (m *MultiWriter) AddFileAppender(options FileOptions) *MultiWriter {
	return m.Add(&lumberjack.Logger{
		Filename:   options.Filename,
		MaxSize:    options.MaxSize,
		MaxBackups: options.MaxBackups,
		MaxAge:     options.MaxAge,
		Compress:   options.Compress,
	})
}
