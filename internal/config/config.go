package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"nanobanana-cli/internal/domain"
)

const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// DefaultEnvFile is loaded into the environment before the config is read.
const DefaultEnvFile = ".env.local"

// Config is the resolved application configuration.  Every field can be set
// from YAML or the environment; Validate checks the result.
type Config struct {
	Env         string        `yaml:"env" env:"ENV" env-default:"local" validate:"oneof=local dev prod"`
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT" env-default:"60s" validate:"gt=0"`

	NanoBanana struct {
		APIKey  string `yaml:"api_key" env:"NANOBANANA_API_KEY"`
		BaseURL string `yaml:"base_url" env:"NANOBANANA_BASE_URL" env-default:"https://api.nanobananaapi.ai/api/v1" validate:"required,url"`
	} `yaml:"nanobanana"`

	ImgBB struct {
		APIKey    string `yaml:"api_key" env:"IMGBB_API_KEY"`
		UploadURL string `yaml:"upload_url" env:"IMGBB_UPLOAD_URL" env-default:"https://api.imgbb.com/1/upload" validate:"required,url"`
	} `yaml:"imgbb"`

	Generation struct {
		CallbackURL   string            `yaml:"callback_url" env:"CALLBACK_URL" validate:"omitempty,url"`
		AspectRatio   string            `yaml:"image_size" env:"IMAGE_SIZE" env-default:"16:9" validate:"aspect_ratio"`
		NumImages     int               `yaml:"num_images" env:"NUM_IMAGES" env-default:"1" validate:"min=1,max=4"`
		Watermark     string            `yaml:"watermark" env:"WATERMARK"`
		DefaultPrompt string            `yaml:"default_prompt" env:"DEFAULT_PROMPT" env-default:"Redesign this room as a photorealistic modern interior."`
		Template      string            `yaml:"template" env:"PROMPT_TEMPLATE" env-default:"soft-decoration"`
		Templates     map[string]string `yaml:"templates"`
	} `yaml:"generation"`

	Poll struct {
		MaxAttempts int           `yaml:"max_attempts" env:"POLL_MAX_ATTEMPTS" env-default:"60" validate:"min=1"`
		Interval    time.Duration `yaml:"interval" env:"POLL_INTERVAL" env-default:"5s" validate:"gte=0"`
	} `yaml:"poll"`

	Upload struct {
		Concurrency int           `yaml:"concurrency" env:"UPLOAD_CONCURRENCY" env-default:"1" validate:"min=1,max=5"`
		Interval    time.Duration `yaml:"interval" env:"UPLOAD_INTERVAL" env-default:"0s" validate:"gte=0"`
	} `yaml:"upload"`

	Credits struct {
		CacheTTL time.Duration `yaml:"cache_ttl" env:"CREDITS_CACHE_TTL" env-default:"30s" validate:"gte=0"`
	} `yaml:"credits"`

	Storage struct {
		Driver string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"memory" validate:"oneof=memory mongo redis"`
		Mongo  struct {
			URI      string `yaml:"uri" env:"MONGO_URI" env-default:"mongodb://127.0.0.1:27017"`
			Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"nanobanana"`
		} `yaml:"mongo"`
		Redis struct {
			Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"127.0.0.1:6379"`
			Password string `yaml:"password" env:"REDIS_PASSWORD"`
			DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0" validate:"gte=0"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	HTTP struct {
		Addr       string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
		SessionTTL time.Duration `yaml:"session_ttl" env:"HTTP_SESSION_TTL" env-default:"30m" validate:"gt=0"`
	} `yaml:"http"`
}

// Load fills the environment from envFile (a missing file is ignored), then
// reads the YAML file at path (skipped when path is empty) with environment
// overrides, and validates the result.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: loading %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, cfg)
	} else {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		desc, _ := cleanenv.GetDescription(cfg, nil)
		return nil, fmt.Errorf("config: %s; %s", err, desc)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("aspect_ratio", func(fl validator.FieldLevel) bool {
		return domain.ValidAspectRatio(fl.Field().String())
	})
	return v
}

// Validate checks the resolved values.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return fmt.Errorf("config: %w", err)
	}
	first := errs[0]
	rule := first.Tag()
	if first.Param() != "" {
		rule += "=" + first.Param()
	}
	return fmt.Errorf("config: invalid %s (%s): %w", first.Namespace(), rule, err)
}

// Usage describes every environment variable the config reads.
func Usage() string {
	desc, err := cleanenv.GetDescription(&Config{}, nil)
	if err != nil {
		return ""
	}
	return desc
}
