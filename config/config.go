// Package config builds the single Config value shared by the server, the
// loader and the client. Sources are applied in order: .env file, optional
// YAML file (CONFIG_FILE), process environment, defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"askpdf/types"
)

const (
	DefaultMaxUploadBytes = 10 << 20
	DefaultCollection     = "pdf-collection"
	DefaultDimensions     = 768
	DefaultChunkSize      = 1000
	DefaultChunkOverlap   = 200
	DefaultTopK           = 2
	DefaultEmbedModel     = "nomic-embed-text"
	DefaultChatModel      = "tinyllama:1.1b-chat"
	DefaultSystemPrompt   = `You are a helpful assistant. Use the provided context to answer user questions when it is available. If the answer is clearly found in the context, say "Based on the provided documents, ..." before answering. If the context does not contain the answer, you may respond using your own general knowledge, but indicate it by saying "Based on my general knowledge, ...". Do not make up facts when context is needed for accuracy. If neither the context nor your general knowledge is enough, say that you do not know. Be concise, accurate, and helpful.`
)

type Config struct {
	ServerAddr     string `yaml:"server_addr" validate:"required"`
	UploadDir      string `yaml:"upload_dir" validate:"required"`
	BadDir         string `yaml:"bad_dir" validate:"required"`
	InboxDir       string `yaml:"inbox_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes" validate:"gt=0"`

	Postgres PostgresConfig `yaml:"postgres"`

	VectorBackend string         `yaml:"vector_backend" validate:"oneof=pgvector qdrant memory"`
	QdrantURL     string         `yaml:"qdrant_url" validate:"required_if=VectorBackend qdrant"`
	QdrantAPIKey  string         `yaml:"qdrant_api_key"`
	Collection    string         `yaml:"collection" validate:"required"`
	Dimensions    int            `yaml:"dimensions" validate:"gt=0"`
	Distance      types.Distance `yaml:"distance" validate:"oneof=Cosine Dot Euclid"`

	QueueBackend    string        `yaml:"queue_backend" validate:"oneof=postgres memory"`
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0"`
	JobLease        time.Duration `yaml:"job_lease" validate:"gt=0"`
	MaxJobAttempts  int           `yaml:"max_job_attempts" validate:"gt=0"`
	ReadyAttempts   int           `yaml:"ready_attempts" validate:"gt=0"`
	ReadyDelay      time.Duration `yaml:"ready_delay" validate:"gt=0"`
	WorkerInProcess bool          `yaml:"worker_inprocess"`
	MonitoringTime  time.Duration `yaml:"monitoring_time"`

	OllamaURL  string `yaml:"ollama_url" validate:"required,url"`
	EmbedModel string `yaml:"embed_model" validate:"required"`
	ChatModel  string `yaml:"chat_model" validate:"required"`
	DoclingURL string `yaml:"docling_url" validate:"required,url"`
	// VisionModel enables image descriptions during extraction when set.
	VisionModel string `yaml:"vision_model"`

	ChunkSize        int     `yaml:"chunk_size" validate:"gt=0"`
	ChunkOverlap     int     `yaml:"chunk_overlap" validate:"gte=0"`
	EmbedConcurrency int     `yaml:"embed_concurrency" validate:"gt=0"`
	CropTop          float64 `yaml:"crop_top" validate:"gte=0"`
	CropBottom       float64 `yaml:"crop_bottom" validate:"gte=0"`

	TopK         int    `yaml:"top_k" validate:"gte=0"`
	SystemPrompt string `yaml:"system_prompt"`

	LogLevel string `yaml:"log_level"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders a keyword/value connection string for pgxpool.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

func (c *Config) CollectionSpec() types.CollectionSpec {
	return types.CollectionSpec{Name: c.Collection, Dimensions: c.Dimensions, Distance: c.Distance}
}

// NeedsPostgres reports whether any backend is stored in Postgres.
func (c *Config) NeedsPostgres() bool {
	return c.VectorBackend == "pgvector" || c.QueueBackend == "postgres"
}

func Default() *Config {
	return &Config{
		ServerAddr:     ":5000",
		UploadDir:      "uploads/pdf",
		BadDir:         "uploads/bad",
		MaxUploadBytes: DefaultMaxUploadBytes,
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			DBName:  "rag",
			SSLMode: "disable",
		},
		VectorBackend:    "pgvector",
		QdrantURL:        "http://localhost:6333",
		Collection:       DefaultCollection,
		Dimensions:       DefaultDimensions,
		Distance:         types.DistanceCosine,
		QueueBackend:     "postgres",
		PollInterval:     time.Second,
		JobLease:         10 * time.Minute,
		MaxJobAttempts:   3,
		ReadyAttempts:    15,
		ReadyDelay:       5 * time.Second,
		MonitoringTime:   5 * time.Second,
		OllamaURL:        "http://localhost:11434",
		EmbedModel:       DefaultEmbedModel,
		ChatModel:        DefaultChatModel,
		DoclingURL:       "http://localhost:5001",
		ChunkSize:        DefaultChunkSize,
		ChunkOverlap:     DefaultChunkOverlap,
		EmbedConcurrency: 4,
		TopK:             DefaultTopK,
		SystemPrompt:     DefaultSystemPrompt,
		LogLevel:         "info",
	}
}

// Load reads .env (if present), then CONFIG_FILE (if set), then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flt := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}

	str("SERVER_ADDR", &c.ServerAddr)
	str("UPLOAD_DIR", &c.UploadDir)
	str("BAD_DIR", &c.BadDir)
	str("LOADER_SOURCE_DIR", &c.InboxDir)
	if v, ok := os.LookupEnv("MAX_UPLOAD_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES: %w", err))
		} else {
			c.MaxUploadBytes = n
		}
	}

	str("PG_HOST", &c.Postgres.Host)
	num("PG_PORT", &c.Postgres.Port)
	str("PG_USER", &c.Postgres.User)
	str("PG_PASS", &c.Postgres.Password)
	str("PG_DB_NAME", &c.Postgres.DBName)
	str("PG_SSLMODE", &c.Postgres.SSLMode)

	str("VECTOR_BACKEND", &c.VectorBackend)
	if host := os.Getenv("VECTOR_DB_HOST"); host != "" {
		c.QdrantURL = fmt.Sprintf("http://%s:6333", host)
	}
	str("QDRANT_URL", &c.QdrantURL)
	str("QDRANT_API_KEY", &c.QdrantAPIKey)
	str("COLLECTION", &c.Collection)
	num("EMBEDDING_DIMENSIONS", &c.Dimensions)
	if v := os.Getenv("DISTANCE"); v != "" {
		c.Distance = types.Distance(v)
	}

	str("QUEUE_BACKEND", &c.QueueBackend)
	dur("POLL_INTERVAL", &c.PollInterval)
	dur("JOB_LEASE", &c.JobLease)
	num("MAX_JOB_ATTEMPTS", &c.MaxJobAttempts)
	num("READY_ATTEMPTS", &c.ReadyAttempts)
	dur("READY_DELAY", &c.ReadyDelay)
	dur("MONITORING_TIME", &c.MonitoringTime)
	if v := os.Getenv("WORKER_INPROCESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("WORKER_INPROCESS: %w", err))
		} else {
			c.WorkerInProcess = b
		}
	}

	if host := os.Getenv("LLM_HOST"); host != "" {
		c.OllamaURL = fmt.Sprintf("http://%s:11434", host)
	}
	str("OLLAMA_URL", &c.OllamaURL)
	str("OLLAMA_EMBEDDING_MODEL", &c.EmbedModel)
	str("LLM_MODEL", &c.ChatModel)
	str("DOCLING_URL", &c.DoclingURL)
	str("OLLAMA_VL_MODEL", &c.VisionModel)

	num("CHUNK_SIZE", &c.ChunkSize)
	num("CHUNK_OVERLAP", &c.ChunkOverlap)
	num("EMBED_CONCURRENCY", &c.EmbedConcurrency)
	flt("CROP_TOP", &c.CropTop)
	flt("CROP_BOTTOM", &c.CropBottom)

	num("TOP_K", &c.TopK)
	str("SYSTEM_PROMPT", &c.SystemPrompt)
	str("LOG_LEVEL", &c.LogLevel)

	return errors.Join(errs...)
}

func (c *Config) normalize() {
	c.OllamaURL = strings.TrimRight(c.OllamaURL, "/")
	c.DoclingURL = strings.TrimRight(c.DoclingURL, "/")
	c.QdrantURL = strings.TrimRight(c.QdrantURL, "/")
	if c.ChunkSize > 0 && c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = c.ChunkSize / 4
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
}

func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", e.Namespace(), e.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
