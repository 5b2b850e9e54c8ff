package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xrowcache/logger"
)

type CommandLineArgs struct {
	ConfigPath string
}

/*
[logs]
log_error = /var/log/xrowcache/error.log
log_infos = /var/log/xrowcache/info.log
log_level = info

[store]
data_dir        = data
data_file       = rows.dat
scale           = 8
file_block_size = 1048576
max_file_size   = 17179869184

[cache]
capacity       = 50000
bytes_capacity = 67108864
reserve        = 16

[space]
free_list_capacity = 2048

[codec]
compression    = none
encryption_key =
*/
type Cfg struct {
	Raw *ini.File

	// logs
	LogError string `default:"" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`

	Store StoreConfig
	Cache CacheConfig
	Space SpaceConfig
	Codec CodecConfig
}

type StoreConfig struct {
	DataDir       string `default:"data" yaml:"data_dir" json:"data_dir,omitempty"`
	DataFile      string `default:"rows.dat" yaml:"data_file" json:"data_file,omitempty"`
	Scale         int    `default:"8" yaml:"scale" json:"scale,omitempty"`
	FileBlockSize int64  `default:"1048576" yaml:"file_block_size" json:"file_block_size,omitempty"`
	MaxFileSize   int64  `default:"17179869184" yaml:"max_file_size" json:"max_file_size,omitempty"`
}

type CacheConfig struct {
	Capacity      int   `default:"50000" yaml:"capacity" json:"capacity,omitempty"`
	BytesCapacity int64 `default:"67108864" yaml:"bytes_capacity" json:"bytes_capacity,omitempty"`
	Reserve       int   `default:"16" yaml:"reserve" json:"reserve,omitempty"`
}

type SpaceConfig struct {
	FreeListCapacity int `default:"2048" yaml:"free_list_capacity" json:"free_list_capacity,omitempty"`
}

type CodecConfig struct {
	Compression   string `default:"none" yaml:"compression" json:"compression,omitempty"`
	EncryptionKey string `default:"" yaml:"encryption_key" json:"encryption_key,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:      ini.Empty(),
		LogLevel: "info",
		Store: StoreConfig{
			DataDir:       "data",
			DataFile:      "rows.dat",
			Scale:         8,
			FileBlockSize: 1 << 20,       // 1MB
			MaxFileSize:   16 * (1 << 30), // 16GB
		},
		Cache: CacheConfig{
			Capacity:      50000,
			BytesCapacity: 64 << 20,
			Reserve:       16,
		},
		Space: SpaceConfig{
			FreeListCapacity: 2048,
		},
		Codec: CodecConfig{
			Compression: "none",
		},
	}
}

// Load reads args.ConfigPath (conf/xrowcache.ini by default). A missing file keeps
// the defaults; a file ending in .toml is parsed as TOML with the same sections.
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	raw, err := loadConfiguration(args)
	if err != nil {
		return nil, err
	}
	cfg.Raw = raw

	cfg.parseLogsCfg(cfg.Raw.Section("logs"))
	cfg.parseStoreCfg(cfg.Raw.Section("store"))
	cfg.parseCacheCfg(cfg.Raw.Section("cache"))
	cfg.parseSpaceCfg(cfg.Raw.Section("space"))
	cfg.parseCodecCfg(cfg.Raw.Section("codec"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	configFile := filepath.Join("conf", "xrowcache.ini")
	if args != nil && args.ConfigPath != "" {
		configFile = args.ConfigPath
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置", configFile)
		return ini.Empty(), nil
	}

	if strings.EqualFold(filepath.Ext(configFile), ".toml") {
		return loadToml(configFile)
	}

	parsed, err := ini.Load(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", configFile)
	}
	logger.Debugf("成功加载配置文件: %s", configFile)
	return parsed, nil
}

// loadToml flattens a two-level TOML document into ini sections so both formats
// share the same parsers.
func loadToml(configFile string) (*ini.File, error) {
	tree, err := toml.LoadFile(configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", configFile)
	}
	raw := ini.Empty()
	for _, name := range tree.Keys() {
		sub, ok := tree.Get(name).(*toml.Tree)
		if !ok {
			continue
		}
		section := raw.Section(name)
		for _, key := range sub.Keys() {
			if _, err := section.NewKey(key, fmt.Sprint(sub.Get(key))); err != nil {
				return nil, errors.Wrapf(err, "config key %s.%s", name, key)
			}
		}
	}
	logger.Debugf("成功加载配置文件: %s", configFile)
	return raw, nil
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) string {
	if section == nil {
		return defaultValue
	}
	value := section.Key(keyName).MustString(defaultValue)
	if value == "" {
		value = defaultValue
	}
	return value
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) {
	cfg.LogError = valueAsString(section, "log_error", cfg.LogError)
	cfg.LogInfos = valueAsString(section, "log_infos", cfg.LogInfos)

	logLevel := strings.ToLower(valueAsString(section, "log_level", cfg.LogLevel))
	switch logLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
		cfg.LogLevel = logLevel
	default:
		logger.Warnf("无效的日志级别 '%s', 使用默认级别 'info'", logLevel)
		cfg.LogLevel = "info"
	}
}

func (cfg *Cfg) parseStoreCfg(section *ini.Section) {
	cfg.Store.DataDir = valueAsString(section, "data_dir", cfg.Store.DataDir)
	cfg.Store.DataFile = valueAsString(section, "data_file", cfg.Store.DataFile)
	cfg.Store.Scale = section.Key("scale").MustInt(cfg.Store.Scale)
	cfg.Store.FileBlockSize = section.Key("file_block_size").MustInt64(cfg.Store.FileBlockSize)
	cfg.Store.MaxFileSize = section.Key("max_file_size").MustInt64(cfg.Store.MaxFileSize)
}

func (cfg *Cfg) parseCacheCfg(section *ini.Section) {
	cfg.Cache.Capacity = section.Key("capacity").MustInt(cfg.Cache.Capacity)
	cfg.Cache.BytesCapacity = section.Key("bytes_capacity").MustInt64(cfg.Cache.BytesCapacity)
	cfg.Cache.Reserve = section.Key("reserve").MustInt(cfg.Cache.Reserve)
}

func (cfg *Cfg) parseSpaceCfg(section *ini.Section) {
	cfg.Space.FreeListCapacity = section.Key("free_list_capacity").MustInt(cfg.Space.FreeListCapacity)
}

func (cfg *Cfg) parseCodecCfg(section *ini.Section) {
	cfg.Codec.Compression = strings.ToLower(valueAsString(section, "compression", cfg.Codec.Compression))
	cfg.Codec.EncryptionKey = valueAsString(section, "encryption_key", cfg.Codec.EncryptionKey)
}

// Validate checks the numeric relations the store relies on.
func (cfg *Cfg) Validate() error {
	s := cfg.Store
	switch {
	case s.Scale <= 0 || s.Scale&(s.Scale-1) != 0:
		return errors.Errorf("store.scale must be a power of two, got %d", s.Scale)
	case s.FileBlockSize <= 0 || s.FileBlockSize%int64(s.Scale) != 0:
		return errors.Errorf("store.file_block_size %d is not a multiple of scale %d", s.FileBlockSize, s.Scale)
	case s.MaxFileSize < 2*s.FileBlockSize:
		return errors.Errorf("store.max_file_size %d is smaller than two file blocks", s.MaxFileSize)
	case cfg.Cache.Capacity <= 0 || cfg.Cache.BytesCapacity <= 0:
		return errors.Errorf("cache capacity must be positive (rows %d, bytes %d)", cfg.Cache.Capacity, cfg.Cache.BytesCapacity)
	case cfg.Cache.Reserve < 0:
		return errors.Errorf("cache.reserve must not be negative, got %d", cfg.Cache.Reserve)
	case cfg.Space.FreeListCapacity <= 0:
		return errors.Errorf("space.free_list_capacity must be positive, got %d", cfg.Space.FreeListCapacity)
	}
	switch cfg.Codec.Compression {
	case "none", "snappy", "lz4":
	default:
		return errors.Errorf("codec.compression must be none, snappy or lz4, got %q", cfg.Codec.Compression)
	}
	return nil
}

// DataFilePath 返回数据文件完整路径
func (cfg *Cfg) DataFilePath() string {
	return filepath.Join(cfg.Store.DataDir, cfg.Store.DataFile)
}

// GetString 获取配置项的字符串值, key 形如 "section.key"
func (cfg *Cfg) GetString(key string) string {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) < 2 {
		return ""
	}
	return valueAsString(cfg.Raw.Section(parts[0]), parts[1], "")
}

// GetInt 获取配置项的整数值
func (cfg *Cfg) GetInt(key string) int {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) < 2 {
		return 0
	}
	return cfg.Raw.Section(parts[0]).Key(parts[1]).MustInt(0)
}
