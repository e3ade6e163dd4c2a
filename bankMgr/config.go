package bankmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/utils"
	"github.com/go-playground/validator/v10"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendRemote   = "remote"

	DefaultCallTimeout = 2 * time.Second
	DefaultPool        = 2
)

// Duration reads "1.5s" style strings from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type Config struct {
	// CallTimeout bounds every participant call.
	CallTimeout Duration     `json:"call_timeout" validate:"gte=0"`
	Banks       []BankConfig `json:"banks" validate:"required,min=1,unique=BIC,dive"`
}

// BankConfig describes how to reach one bank.
type BankConfig struct {
	BIC     string `json:"bic" validate:"required,alphanum,min=4,max=11"`
	Backend string `json:"backend" validate:"required,oneof=memory sqlite postgres redis remote"`
	// DSN is the database file or URL for sqlite, postgres and redis.
	DSN string `json:"dsn" validate:"required_if=Backend sqlite,required_if=Backend postgres,required_if=Backend redis"`
	// Address is host:port of a remote bankd.
	Address string       `json:"address" validate:"required_if=Backend remote"`
	Ceiling utils.Amount `json:"ceiling" validate:"gte=0"`
	// Pool is the number of gRPC connections to a remote bank.
	Pool int `json:"pool" validate:"gte=0,lte=64"`
	// SnapDir makes a memory bank durable.
	SnapDir  string                 `json:"snap_dir"`
	Fault    string                 `json:"fault"`
	Accounts []accountstore.Account `json:"accounts" validate:"dive"`
}

func (c *Config) Timeout() time.Duration {
	if c.CallTimeout <= 0 {
		return DefaultCallTimeout
	}
	return time.Duration(c.CallTimeout)
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// Find returns the configuration of bic.
func (c *Config) Find(bic string) (BankConfig, bool) {
	for _, b := range c.Banks {
		if b.BIC == bic {
			return b, true
		}
	}
	return BankConfig{}, false
}
