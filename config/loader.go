// =============================================================================
// 📦 agentmem 配置加载
// =============================================================================
// 默认值 → YAML 文件 → 环境变量，最后执行校验。
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentmem.yaml").
//	    Load()
//
// 环境变量名由各级 env 标签拼接而成，例如 storage.database.dsn 对应
// AGENTMEM_STORAGE_DATABASE_DSN。
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix 环境变量前缀
const DefaultEnvPrefix = "AGENTMEM"

var durationType = reflect.TypeOf(time.Duration(0))

// Loader 配置加载器（Builder 模式）
type Loader struct {
	path       string
	prefix     string
	lookup     func(string) (string, bool)
	strict     bool
	validators []func(*Config) error
	applied    []string
}

// NewLoader 读取进程环境变量，并默认执行 Config.Validate
func NewLoader() *Loader {
	return &Loader{
		prefix:     DefaultEnvPrefix,
		lookup:     os.LookupEnv,
		validators: []func(*Config) error{(*Config).Validate},
	}
}

// WithConfigPath 设置 YAML 文件路径，文件不存在时只用默认值与环境变量
func (l *Loader) WithConfigPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnvPrefix 替换 AGENTMEM 前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.prefix = prefix
	return l
}

// WithEnv 用给定键值代替进程环境变量
func (l *Loader) WithEnv(env map[string]string) *Loader {
	l.lookup = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

// WithStrictFile YAML 出现未知字段时报错
func (l *Loader) WithStrictFile() *Loader {
	l.strict = true
	return l
}

// WithValidator 追加校验，在 Config.Validate 之后执行
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 组装并校验配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	l.applied = l.applied[:0]

	if l.path != "" {
		if err := l.decodeFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	if err := l.applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// AppliedEnv 最近一次 Load 实际生效的环境变量名，已排序
func (l *Loader) AppliedEnv() []string {
	out := append([]string(nil), l.applied...)
	sort.Strings(out)
	return out
}

func (l *Loader) decodeFile(cfg *Config) error {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(l.strict)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	return walkEnv(reflect.ValueOf(cfg).Elem(), l.prefix, func(key string, field reflect.Value) error {
		raw, ok := l.lookup(key)
		if !ok || raw == "" {
			return nil
		}
		if err := parseInto(field, raw); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
		l.applied = append(l.applied, key)
		return nil
	})
}

// walkEnv 对每个带 env 标签的叶子字段调用 fn，嵌套结构体的标签作为前缀
func walkEnv(v reflect.Value, prefix string, fn func(key string, field reflect.Value) error) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := walkEnv(field, key, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(key, field); err != nil {
			return err
		}
	}
	return nil
}

// parseInto 支持字符串、整数、time.Duration、浮点、布尔与逗号分隔的字符串切片
func parseInto(field reflect.Value, raw string) error {
	if !field.CanSet() {
		return nil
	}
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// EnvKeys 列出 Config 支持的全部环境变量名
func EnvKeys(prefix string) []string {
	var keys []string
	_ = walkEnv(reflect.ValueOf(DefaultConfig()).Elem(), prefix, func(key string, _ reflect.Value) error {
		keys = append(keys, key)
		return nil
	})
	return keys
}
