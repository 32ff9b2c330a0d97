package config

import (
	"encoding/base64"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type Config struct {
	ServerAddr     string
	StoreURL       string
	SigningKey     []byte
	AllowedOrigins []string
	PublicOrigin   string
	UploadDir      string
	DevBypass      bool
	Env            string
	LogLevel       string
}

type Params struct {
	ServerAddr     string
	StoreURL       string
	SigningKey     string
	AllowedOrigins []string
	PublicOrigin   string
	UploadDir      string
	DevBypass      bool
	Env            string
	LogLevel       string
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = (*s)[:0]
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*s = append(*s, v)
		}
	}
	return nil
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return b
}

// Load reads a .env file when present, then flags, falling back to the
// environment for anything not given on the command line.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	var p Params
	origins := stringSliceFlag{}
	_ = origins.Set(GetEnv("ALLOWED_ORIGINS", "http://localhost:3000"))

	fs := flag.NewFlagSet("chatsync", flag.ContinueOnError)
	fs.StringVar(&p.ServerAddr, "addr", GetEnv("ADDR", "localhost:8000"), "server address")
	fs.StringVar(&p.StoreURL, "store", GetEnv("STORE_URL", "memory://"), "document store url (memory://, postgres://, redis://)")
	fs.StringVar(&p.SigningKey, "signing-key", GetEnv("SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	fs.Var(&origins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	fs.StringVar(&p.PublicOrigin, "public-origin", GetEnv("PUBLIC_ORIGIN", "http://localhost:3000"), "origin used in invite links")
	fs.StringVar(&p.UploadDir, "upload-dir", GetEnv("UPLOAD_DIR", "uploads"), "directory attachments are written to")
	fs.BoolVar(&p.DevBypass, "dev-bypass", getEnvBool("DEV_BYPASS", false), "sign everyone in as the development identity")
	fs.StringVar(&p.Env, "env", GetEnv("ENV", "development"), "environment (development, production)")
	fs.StringVar(&p.LogLevel, "log-level", GetEnv("LOG_LEVEL", "info"), "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	p.AllowedOrigins = origins

	return NewConfig(p)
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if p.StoreURL == "" {
		return nil, fmt.Errorf("store url cannot be empty")
	}
	if p.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	storeURL, err := url.Parse(p.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	switch storeURL.Scheme {
	case "memory", "postgres", "postgresql", "redis", "rediss":
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", storeURL.Scheme)
	}

	signingKey, err := decodeSigningSecret(p.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	if p.UploadDir == "" {
		return nil, fmt.Errorf("upload directory cannot be empty")
	}

	env := p.Env
	if env == "" {
		env = "development"
	}
	if env != "development" && env != "production" {
		return nil, fmt.Errorf("unknown environment %q", env)
	}

	return &Config{
		ServerAddr:     p.ServerAddr,
		StoreURL:       p.StoreURL,
		SigningKey:     signingKey,
		AllowedOrigins: p.AllowedOrigins,
		PublicOrigin:   strings.TrimRight(p.PublicOrigin, "/"),
		UploadDir:      p.UploadDir,
		DevBypass:      p.DevBypass,
		Env:            env,
		LogLevel:       p.LogLevel,
	}, nil
}

// StoreScheme is the backend named by StoreURL.
func (c *Config) StoreScheme() string {
	u, err := url.Parse(c.StoreURL)
	if err != nil {
		return ""
	}
	return u.Scheme
}
