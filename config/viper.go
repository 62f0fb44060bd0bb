package config

import (
	"context"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ceyewan/meshkit/xerrors"
)

// loader 实现 Loader 接口
type loader struct {
	v    *viper.Viper
	opts *Options

	mu        sync.Mutex
	loaded    bool
	watching  bool
	callbacks []func()
}

// newLoader 创建一个新的配置加载器（内部使用）
func newLoader(opts ...Option) (Loader, error) {
	options := &Options{}
	for _, o := range opts {
		o(options)
	}
	if err := options.validate(); err != nil {
		return nil, err
	}

	return &loader{
		v:    viper.New(),
		opts: options,
	}, nil
}

// Load 初始化并从所有来源加载配置
func (l *loader) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.v.SetConfigName(l.opts.Name)
	l.v.SetConfigType(l.opts.FileType)
	for _, path := range l.opts.Paths {
		l.v.AddConfigPath(path)
	}

	// 默认值（最低优先级）
	for key, value := range l.opts.Defaults {
		l.v.SetDefault(key, value)
	}

	// 环境变量（最高优先级）
	l.v.SetEnvPrefix(l.opts.EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// 配置文件（中等优先级），文件不存在不算错误
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return xerrors.Wrapf(err, "failed to read config file %s", l.opts.Name)
		}
	}

	l.loaded = true
	return nil
}

// Get 获取原始配置值
func (l *loader) Get(key string) any {
	return l.v.Get(key)
}

// Unmarshal 将整个配置反序列化到结构体
func (l *loader) Unmarshal(v any) error {
	if err := l.ensureLoaded(); err != nil {
		return err
	}
	return l.v.Unmarshal(v)
}

// UnmarshalKey 将指定 Key 的配置反序列化到结构体
func (l *loader) UnmarshalKey(key string, v any) error {
	if err := l.ensureLoaded(); err != nil {
		return err
	}
	return l.v.UnmarshalKey(key, v)
}

// OnChange 注册配置文件变化回调
// 第一次调用时启动底层的 fsnotify 监听
func (l *loader) OnChange(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.callbacks = append(l.callbacks, fn)

	if !l.watching {
		l.watching = true
		l.v.OnConfigChange(func(e fsnotify.Event) {
			l.mu.Lock()
			cbs := make([]func(), len(l.callbacks))
			copy(cbs, l.callbacks)
			l.mu.Unlock()

			for _, cb := range cbs {
				cb()
			}
		})
		l.v.WatchConfig()
	}
}

func (l *loader) ensureLoaded() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		return ErrNotLoaded
	}
	return nil
}
