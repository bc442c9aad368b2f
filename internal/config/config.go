package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"order-reconciler-go/internal/models"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

const (
	envAPIKey    = "BINANCE_API_KEY"
	envSecretKey = "BINANCE_SECRET_KEY"
)

var (
	ErrNoSymbols      = errors.New("config: at least one symbol is required")
	ErrInvalidSymbol  = errors.New("config: invalid symbol entry")
	ErrInvalidStore   = errors.New("config: invalid store section")
	ErrMissingAPIKeys = errors.New("config: BINANCE_API_KEY and BINANCE_SECRET_KEY must be set")
	ErrInvalidPlan    = errors.New("config: invalid strategy plan")
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	err = decoder.Decode(config)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "data"
	}
	if cfg.Store.FileName == "" {
		cfg.Store.FileName = "orders.dat"
	}
	if cfg.Store.RolloverBytes <= 0 {
		cfg.Store.RolloverBytes = 64 << 20
	}
	if cfg.Store.SnapshotIntervalMs <= 0 {
		cfg.Store.SnapshotIntervalMs = 1000
	}
	if cfg.Store.QueueSize <= 0 {
		cfg.Store.QueueSize = 16
	}
	if cfg.Store.WriteRetries <= 0 {
		cfg.Store.WriteRetries = 3
	}
	if cfg.Store.WriteBackoffMs <= 0 {
		cfg.Store.WriteBackoffMs = 100
	}
	if cfg.Engine.HeartbeatIntervalMs <= 0 {
		cfg.Engine.HeartbeatIntervalMs = 1000
	}
	if cfg.Engine.StatusIntervalSec <= 0 {
		cfg.Engine.StatusIntervalSec = 60
	}
	if cfg.Engine.BrokerOrderPrefix == "" {
		cfg.Engine.BrokerOrderPrefix = "rc"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// Validate 检查配置是否可用
func Validate(cfg *models.Config) error {
	if len(cfg.Symbols) == 0 {
		return ErrNoSymbols
	}
	seen := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		name := strings.TrimSpace(s.Name)
		if name == "" || s.TickSize < 0 || s.StepSize < 0 {
			return fmt.Errorf("%w: %+v", ErrInvalidSymbol, s)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate symbol %s", ErrInvalidSymbol, name)
		}
		seen[name] = true
	}
	if cfg.Store.Dir == "" || cfg.Store.FileName == "" {
		return fmt.Errorf("%w: dir and file_name are required", ErrInvalidStore)
	}
	if strings.ContainsAny(cfg.Store.FileName, `/\`) {
		return fmt.Errorf("%w: file_name must not contain a path", ErrInvalidStore)
	}
	return nil
}

// LoadEnv 加载 .env 文件（若存在）并读取API密钥。返回值表示是否找到了 .env 文件。
func LoadEnv(cfg *models.Config, files ...string) bool {
	found := godotenv.Load(files...) == nil
	cfg.APIKey = os.Getenv(envAPIKey)
	cfg.SecretKey = os.Getenv(envSecretKey)
	return found
}

// ResolveEndpoints 根据 IsTestnet 设置 BaseURL/WSBaseURL，并在实盘模式下要求API密钥
func ResolveEndpoints(cfg *models.Config) error {
	if cfg.IsTestnet {
		cfg.BaseURL = cfg.TestnetAPIURL
		cfg.WSBaseURL = cfg.TestnetWSURL
	} else {
		cfg.BaseURL = cfg.LiveAPIURL
		cfg.WSBaseURL = cfg.LiveWSURL
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return ErrMissingAPIKeys
	}
	return nil
}

// LoadPlans 读取 -orders 文件中的策略计划，按生效时间排序
func LoadPlans(path string) ([]models.StrategyPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var plans []models.StrategyPlan
	if err := json.Unmarshal(data, &plans); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i, p := range plans {
		if strings.TrimSpace(p.Symbol) == "" {
			return nil, fmt.Errorf("%w: plan %d has no symbol", ErrInvalidPlan, i)
		}
		for _, o := range p.Orders {
			if o.Symbol != "" && o.Symbol != p.Symbol {
				return nil, fmt.Errorf("%w: order %d is for %s in a %s plan", ErrInvalidPlan, o.ID, o.Symbol, p.Symbol)
			}
		}
	}
	sort.SliceStable(plans, func(i, j int) bool { return plans[i].At.Before(plans[j].At) })
	return plans, nil
}
