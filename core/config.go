package core

import (
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Database engines
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
	EngineMongo    = "mongo"
	EngineMemory   = "memory"
)

// Cache backends
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type (
	ServerConfig struct {
		Address            string
		Host               string
		DebugHost          string
		ShutdownTimeout    time.Duration
		JWTExpirationDelta time.Duration
		LoginRate          float64 // attempts per second, per client IP
		LoginBurst         int
		// TrustProxy keys the login limiter on X-Real-IP / X-Forwarded-For. Only enable behind a proxy that sets them.
		TrustProxy bool
	}

	DatabaseConfig struct {
		Engine     string
		Name       string
		Path       string // sqlite file
		Host       string
		Port       int
		User       string
		Password   string
		DisableTLS bool
		URI        string // mongo connection string
	}

	CacheConfig struct {
		Backend       string
		TTL           time.Duration
		RedisAddr     string
		RedisPassword string
		RedisDB       int
	}

	ImageConfig struct {
		MaxWidth    int
		MinWidth    int
		MaxBytes    int
		Quality     int
		MinQuality  int
		QualityStep int
		ScaleStep   float64
		MaxPixels   int
	}

	Config struct {
		AppName          string
		Env              string
		Build            string
		Debug            bool
		TestMode         bool
		SecretKey        string
		StudentPassword  string
		TeacherPassword  string
		TeacherEmail     string
		DefaultFromEmail string
		SendgridApiKey   string
		RollbarToken     string

		Server   ServerConfig
		Database DatabaseConfig
		Cache    CacheConfig
		Image    ImageConfig
	}
)

// Address returns the host:port of a networked database.
func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("appName", "Student Forum")
	v.SetDefault("build", "dev")
	v.SetDefault("secretKey", "k2l@h4$z9tq=e!x0rb#v7s^c1pw8n(m3ju6yf)5da+gi_o")
	v.SetDefault("studentPassword", "student123")
	v.SetDefault("teacherPassword", "teacher123")
	v.SetDefault("teacherEmail", "")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("rollbarToken", "")

	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 12*time.Hour)
	v.SetDefault("server.loginRate", 1.0)
	v.SetDefault("server.loginBurst", 5)
	v.SetDefault("server.trustProxy", false)

	v.SetDefault("database.engine", EngineSQLite)
	v.SetDefault("database.name", "forum")
	v.SetDefault("database.path", "questions.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.disableTLS", true)
	v.SetDefault("database.uri", "mongodb://localhost:27017")

	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.ttl", 5*time.Second)
	v.SetDefault("cache.redisAddr", "localhost:6379")
	v.SetDefault("cache.redisPassword", "")
	v.SetDefault("cache.redisDB", 0)

	v.SetDefault("image.maxWidth", 800)
	v.SetDefault("image.minWidth", 100)
	v.SetDefault("image.maxBytes", 1000000)
	v.SetDefault("image.quality", 85)
	v.SetDefault("image.minQuality", 20)
	v.SetDefault("image.qualityStep", 10)
	v.SetDefault("image.scaleStep", 0.8)
	v.SetDefault("image.maxPixels", 40000000)
}

// NewConfig loads the configuration from defaults, `config/.env.<env>` and the environment.
// Environment variables are prefixed with the upper-cased env name, e.g. `DEV_DATABASE_ENGINE`.
func NewConfig() *Config {
	v := viper.New()
	setDefaults(v)

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	if wd, ok := Getwd(); ok {
		dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
		if _, err := os.Stat(dotEnvPath); err == nil {
			if err := godotenv.Load(dotEnvPath); err != nil {
				log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
			}
		} else if !os.IsNotExist(err) {
			log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
		}
	}
	v.AutomaticEnv()

	conf := &Config{
		AppName:          v.GetString("appName"),
		Env:              env,
		Build:            v.GetString("build"),
		Debug:            v.GetBool("debug"),
		TestMode:         v.GetBool("testMode"),
		SecretKey:        v.GetString("secretKey"),
		StudentPassword:  v.GetString("studentPassword"),
		TeacherPassword:  v.GetString("teacherPassword"),
		TeacherEmail:     v.GetString("teacherEmail"),
		DefaultFromEmail: v.GetString("defaultFromEmail"),
		SendgridApiKey:   v.GetString("sendgridApiKey"),
		RollbarToken:     v.GetString("rollbarToken"),
		Server: ServerConfig{
			Address:            v.GetString("server.address"),
			Host:               v.GetString("server.host"),
			DebugHost:          v.GetString("server.debugHost"),
			ShutdownTimeout:    v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta: v.GetDuration("server.jwtExpirationDelta"),
			LoginRate:          v.GetFloat64("server.loginRate"),
			LoginBurst:         v.GetInt("server.loginBurst"),
			TrustProxy:         v.GetBool("server.trustProxy"),
		},
		Database: DatabaseConfig{
			Engine:     strings.ToLower(v.GetString("database.engine")),
			Name:       v.GetString("database.name"),
			Path:       v.GetString("database.path"),
			Host:       v.GetString("database.host"),
			Port:       v.GetInt("database.port"),
			User:       v.GetString("database.user"),
			Password:   v.GetString("database.password"),
			DisableTLS: v.GetBool("database.disableTLS"),
			URI:        v.GetString("database.uri"),
		},
		Cache: CacheConfig{
			Backend:       strings.ToLower(v.GetString("cache.backend")),
			TTL:           v.GetDuration("cache.ttl"),
			RedisAddr:     v.GetString("cache.redisAddr"),
			RedisPassword: v.GetString("cache.redisPassword"),
			RedisDB:       v.GetInt("cache.redisDB"),
		},
		Image: ImageConfig{
			MaxWidth:    v.GetInt("image.maxWidth"),
			MinWidth:    v.GetInt("image.minWidth"),
			MaxBytes:    v.GetInt("image.maxBytes"),
			Quality:     v.GetInt("image.quality"),
			MinQuality:  v.GetInt("image.minQuality"),
			QualityStep: v.GetInt("image.qualityStep"),
			ScaleStep:   v.GetFloat64("image.scaleStep"),
			MaxPixels:   v.GetInt("image.maxPixels"),
		},
	}
	return conf
}

// NewTestConfig returns the default configuration in test mode, without reading the environment.
func NewTestConfig() *Config {
	v := viper.New()
	setDefaults(v)
	return &Config{
		AppName:          v.GetString("appName"),
		Env:              "TEST",
		Build:            "test",
		TestMode:         true,
		SecretKey:        v.GetString("secretKey"),
		StudentPassword:  v.GetString("studentPassword"),
		TeacherPassword:  v.GetString("teacherPassword"),
		TeacherEmail:     "teacher@test.local",
		DefaultFromEmail: v.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Address:            v.GetString("server.address"),
			Host:               v.GetString("server.host"),
			ShutdownTimeout:    v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta: v.GetDuration("server.jwtExpirationDelta"),
			LoginRate:          v.GetFloat64("server.loginRate"),
			LoginBurst:         v.GetInt("server.loginBurst"),
			TrustProxy:         v.GetBool("server.trustProxy"),
		},
		Database: DatabaseConfig{Engine: EngineSQLite, Path: ":memory:"},
		Cache:    CacheConfig{Backend: CacheMemory, TTL: v.GetDuration("cache.ttl")},
		Image: ImageConfig{
			MaxWidth:    v.GetInt("image.maxWidth"),
			MinWidth:    v.GetInt("image.minWidth"),
			MaxBytes:    v.GetInt("image.maxBytes"),
			Quality:     v.GetInt("image.quality"),
			MinQuality:  v.GetInt("image.minQuality"),
			QualityStep: v.GetInt("image.qualityStep"),
			ScaleStep:   v.GetFloat64("image.scaleStep"),
			MaxPixels:   v.GetInt("image.maxPixels"),
		},
	}
}
