package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
	// MaxConns sizes the pgx pool
	MaxConns int
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	WebhookTopic   string // topic the scheduler publishes locked attempts to
	WorkerChannel  string // NSQ channel name for workers
	DLQTopic       string // dead letter topic for exhausted deliveries
	PublishDLQ     bool   // whether exhausted deliveries are published to DLQTopic
}

type Redis struct {
	URL       string // redis://host:6379/0
	LogStore  string // postgres | redis
	Retention int    // entries kept per server in the redis log store, 0 = unbounded
}

type Webhook struct {
	Timeout            time.Duration // per-request HTTP timeout
	MaxAttempts        int           // dispatches before a delivery is dropped
	RetryStep          time.Duration // linear backoff unit
	ResponseLimit      int64         // bytes of response body kept in the log entry
	UserAgent          string
	SignatureHeader    string // SHA-1 HMAC header
	Signature256Header string // SHA-256 HMAC header
	KeyIDHeader        string // key identifier header
}

type Worker struct {
	HTTPPort    string  // metrics, health and audit-log API
	Concurrency int     // NSQ handler goroutines
	MaxRPS      float64 // dispatch rate limit, 0 = unlimited
}

type JWT struct {
	PublicKeyPEM string
	Issuer       string
	Audience     string
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	EndpointSecret  string        // Secret for webhook signature verification
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	DB           DB
	NSQ          NSQ
	Redis        Redis
	Webhook      Webhook
	Worker       Worker
	JWT          JWT
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// pemFromEnv accepts a PEM block with literal "\n" escapes, as docker env files produce
func pemFromEnv(key string) string {
	return strings.ReplaceAll(os.Getenv(key), `\n`, "\n")
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "mailhook"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "mailhook"),

			MaxConns: getenvInt("DB_MAX_CONNS", 10),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			WebhookTopic:   getenv("NSQ_WEBHOOK_TOPIC", "webhook_requests"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "webhook_requests_dlq"),
			PublishDLQ:     getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Redis: Redis{
			URL:       getenv("REDIS_URL", "redis://redis:6379/0"),
			LogStore:  strings.ToLower(getenv("LOG_STORE", "postgres")),
			Retention: getenvInt("LOG_RETENTION", 1000),
		},
		Webhook: Webhook{
			Timeout:            getenvDuration("WEBHOOK_TIMEOUT", 5*time.Second),
			MaxAttempts:        getenvInt("WEBHOOK_MAX_ATTEMPTS", 6),
			RetryStep:          getenvDuration("WEBHOOK_RETRY_STEP", time.Minute),
			ResponseLimit:      getenvInt64("WEBHOOK_RESPONSE_LIMIT", 64*1024),
			UserAgent:          getenv("WEBHOOK_USER_AGENT", "mailhook/1.0"),
			SignatureHeader:    getenv("WEBHOOK_SIGNATURE_HEADER", "X-Signature"),
			Signature256Header: getenv("WEBHOOK_SIGNATURE_256_HEADER", "X-Signature-256"),
			KeyIDHeader:        getenv("WEBHOOK_KEY_ID_HEADER", "X-Signature-KID"),
		},
		Worker: Worker{
			HTTPPort:    ":" + strings.TrimPrefix(getenv("WORKER_HTTP_PORT", "8083"), ":"),
			Concurrency: getenvInt("WORKER_CONCURRENCY", 4),
			MaxRPS:      getenvFloat("WORKER_MAX_RPS", 0),
		},
		JWT: JWT{
			PublicKeyPEM: pemFromEnv("JWT_PUBLIC_KEY_PEM"),
			Issuer:       getenv("JWT_ISSUER", "mailhook"),
			Audience:     getenv("JWT_AUDIENCE", "mailhook-api"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:  getenv("ENDPOINT_SECRET", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// UseRedisLog reports whether audit log entries go to redis instead of postgres
func (c Config) UseRedisLog() bool {
	return c.Redis.LogStore == "redis"
}
