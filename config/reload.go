// 配置文件热重载。
//
// 轮询配置文件的修改时间，变更稳定后重新加载、校验并通知回调。
// 只有 hotReloadable 中列出的字段在运行时生效，其余变更会记录
// requires_restart 警告。
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// hotReloadable 列出运行时可生效的字段（yaml 路径）
var hotReloadable = map[string]bool{
	"log.level": true,
}

// Change 描述一次配置字段变更
type Change struct {
	Path            string `json:"path"`
	OldValue        any    `json:"old_value,omitempty"`
	NewValue        any    `json:"new_value,omitempty"`
	RequiresRestart bool   `json:"requires_restart"`
}

// ReloadCallback 在新配置生效后调用；返回错误会让 Reloader 保留旧配置
type ReloadCallback func(oldCfg, newCfg *Config, changes []Change) error

// ReloadOption 配置 Reloader
type ReloadOption func(*Reloader)

// WithReloadLogger 设置日志
func WithReloadLogger(logger *zap.Logger) ReloadOption {
	return func(r *Reloader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPollInterval 设置轮询间隔（默认 1s）
func WithPollInterval(d time.Duration) ReloadOption {
	return func(r *Reloader) { r.interval = d }
}

// WithLoader 使用自定义 Loader（例如自定义环境变量前缀）
func WithLoader(l *Loader) ReloadOption {
	return func(r *Reloader) { r.loader = l }
}

// Reloader 监听单个配置文件
type Reloader struct {
	path     string
	loader   *Loader
	interval time.Duration
	logger   *zap.Logger

	mu        sync.RWMutex
	current   *Config
	version   int
	lastMod   time.Time
	callbacks []ReloadCallback
}

// NewReloader 以 initial 作为当前配置创建 Reloader
func NewReloader(path string, initial *Config, opts ...ReloadOption) *Reloader {
	r := &Reloader{
		path:     path,
		interval: time.Second,
		logger:   zap.NewNop(),
		current:  initial,
		version:  1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.loader == nil {
		r.loader = NewLoader()
	}
	r.loader.WithConfigPath(path)
	r.logger = r.logger.With(zap.String("component", "config_reloader"), zap.String("path", path))
	if info, err := os.Stat(path); err == nil {
		r.lastMod = info.ModTime()
	}
	return r
}

// OnReload 注册回调
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Current 返回当前生效的配置
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Version 每次成功重载加一
func (r *Reloader) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Run 轮询文件直到 ctx 结束
func (r *Reloader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("config reloader started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.modified() {
				continue
			}
			if _, err := r.Reload(); err != nil {
				r.logger.Error("config reload failed, keeping current config", zap.Error(err))
			}
		}
	}
}

func (r *Reloader) modified() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !info.ModTime().After(r.lastMod) {
		return false
	}
	r.lastMod = info.ModTime()
	return true
}

// Reload 重新加载文件；加载、校验或回调失败时保留旧配置
func (r *Reloader) Reload() ([]Change, error) {
	next, err := r.loader.Load()
	if err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	prev := r.current
	changes := Diff(prev, next)
	if len(changes) == 0 {
		r.mu.Unlock()
		return nil, nil
	}
	r.current = next
	r.version++
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mu.Unlock()

	if err := notify(callbacks, prev, next, changes); err != nil {
		r.mu.Lock()
		if r.current == next {
			r.current = prev
			r.version--
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("config reload rolled back: %w", err)
	}

	restart := false
	for _, c := range changes {
		fields := []zap.Field{zap.String("field", c.Path), zap.Bool("requires_restart", c.RequiresRestart)}
		if !sensitive(c.Path) {
			fields = append(fields, zap.Any("old_value", c.OldValue), zap.Any("new_value", c.NewValue))
		}
		r.logger.Info("configuration changed", fields...)
		restart = restart || c.RequiresRestart
	}
	if restart {
		r.logger.Warn("some configuration changes require a restart to take effect")
	}
	return changes, nil
}

func notify(callbacks []ReloadCallback, prev, next *Config, changes []Change) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reload callback panicked: %v", rec)
		}
	}()
	var errs []error
	for _, cb := range callbacks {
		errs = append(errs, cb(prev, next, changes))
	}
	return errors.Join(errs...)
}

// Diff 按 yaml 路径列出两份配置的差异
func Diff(oldCfg, newCfg *Config) []Change {
	var changes []Change
	diffStruct("", reflect.ValueOf(oldCfg).Elem(), reflect.ValueOf(newCfg).Elem(), &changes)
	return changes
}

func diffStruct(prefix string, oldVal, newVal reflect.Value, changes *[]Change) {
	t := oldVal.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			name = strings.ToLower(field.Name)
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		o, n := oldVal.Field(i), newVal.Field(i)
		if o.Kind() == reflect.Struct && o.Type() != reflect.TypeOf(time.Time{}) {
			diffStruct(path, o, n, changes)
			continue
		}
		if reflect.DeepEqual(o.Interface(), n.Interface()) {
			continue
		}
		c := Change{Path: path, RequiresRestart: !hotReloadable[path]}
		if !sensitive(path) {
			c.OldValue, c.NewValue = o.Interface(), n.Interface()
		}
		*changes = append(*changes, c)
	}
}

// sensitive 判断路径是否包含密钥类字段
func sensitive(path string) bool {
	last := path
	if i := strings.LastIndex(path, "."); i >= 0 {
		last = path[i+1:]
	}
	for _, key := range []string{"password", "api_key", "secret", "token"} {
		if strings.Contains(last, key) {
			return true
		}
	}
	return false
}
