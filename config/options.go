package config

// Option 配置选项模式
type Option func(*Options)

// Options 加载器配置
type Options struct {
	Name      string         // 配置文件名称（不含扩展名）
	Paths     []string       // 配置文件搜索路径
	FileType  string         // 配置文件类型 (yaml, json, etc.)
	EnvPrefix string         // 环境变量前缀
	Defaults  map[string]any // 默认值，优先级最低
}

// validate 设置默认值
func (o *Options) validate() error {
	if o.Name == "" {
		o.Name = "config"
	}
	if o.Paths == nil {
		o.Paths = []string{".", "./config"}
	}
	if o.FileType == "" {
		o.FileType = "yaml"
	}
	if o.EnvPrefix == "" {
		o.EnvPrefix = "MESHKIT"
	}
	return nil
}

// WithConfigName 设置配置文件名称（不带扩展名）
func WithConfigName(name string) Option {
	return func(o *Options) {
		o.Name = name
	}
}

// WithConfigPaths 设置配置文件搜索路径（覆盖默认值）
func WithConfigPaths(paths ...string) Option {
	return func(o *Options) {
		o.Paths = paths
	}
}

// WithFileType 设置配置文件类型
func WithFileType(t string) Option {
	return func(o *Options) {
		o.FileType = t
	}
}

// WithEnvPrefix 设置环境变量前缀
// 例如前缀为 MESHKIT 时，MESHKIT_SERVER_PORT 覆盖 server.port
func WithEnvPrefix(prefix string) Option {
	return func(o *Options) {
		o.EnvPrefix = prefix
	}
}

// WithDefault 设置单个默认值
func WithDefault(key string, value any) Option {
	return func(o *Options) {
		if o.Defaults == nil {
			o.Defaults = make(map[string]any)
		}
		o.Defaults[key] = value
	}
}
