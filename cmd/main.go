package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/sbilibin2017/gw-user-records/internal/logger"
	"github.com/sbilibin2017/gw-user-records/internal/migrations"
	"github.com/sbilibin2017/gw-user-records/internal/repositories"
	"github.com/sbilibin2017/gw-user-records/internal/services"
)

// Build info variables, set via ldflags at build time.
var (
	buildVersion = "N/A" // Version of the service
	buildDate    = "N/A" // Build date
	buildCommit  = "N/A" // Git commit hash
)

// Supported commands.
const (
	cmdMigrate = "migrate"
	cmdCount   = "count"
	cmdList    = "list"
	cmdFind    = "find"
)

var errUnknownCommand = errors.New("unknown command")

// config holds everything read from the environment.
type config struct {
	logLevel string

	pgHost         string
	pgPort         int
	pgUser         string
	pgPassword     string
	pgDB           string
	pgMaxOpenConns int
	pgMaxIdleConns int
	pgConnTimeout  time.Duration

	withLocation bool // schema variant with the location column

	redisEnabled      bool
	redisHost         string
	redisPort         int
	redisDB           int
	redisPassword     string
	redisPoolSize     int
	redisMinIdleConns int
	redisExp          time.Duration
}

func main() {
	printBuildInfo()
	configPath, command, email := parseFlags()

	cfg, err := parseConfig(configPath)
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Stdout, cfg, command, email); err != nil {
		log.Fatalf("command %q failed: %v", command, err)
	}
}

// printBuildInfo prints the build version, commit hash, and build date.
func printBuildInfo() {
	fmt.Printf("Version: %s, Commit: %s, Build: %s\n", buildVersion, buildCommit, buildDate)
}

// parseFlags parses command-line flags and returns the config file path,
// the command to run and the email used by the find command.
func parseFlags() (configPath, command, email string) {
	c := flag.String("c", "config.env", "Path to configuration file")
	e := flag.String("email", "", "Email to look up (find command)")
	flag.Parse()

	command = cmdMigrate
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}
	return *c, command, *e
}

// parseConfig loads environment variables from a file and returns
// the logging, database, schema and Redis configuration.
func parseConfig(path string) (cfg config, err error) {
	_ = godotenv.Load(path)

	getEnv := func(key, defaultValue string) string {
		if val, ok := os.LookupEnv(key); ok && val != "" {
			return val
		}
		return defaultValue
	}
	getInt := func(key, defaultValue string) (int, error) {
		v, err := strconv.Atoi(getEnv(key, defaultValue))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return v, nil
	}
	getBool := func(key, defaultValue string) (bool, error) {
		v, err := strconv.ParseBool(getEnv(key, defaultValue))
		if err != nil {
			return false, fmt.Errorf("%s: %w", key, err)
		}
		return v, nil
	}

	// Application config
	cfg.logLevel = getEnv("APP_LOG_LEVEL", "info")

	// PostgreSQL config
	cfg.pgHost = getEnv("POSTGRES_HOST", "localhost")
	cfg.pgUser = getEnv("POSTGRES_USER", "user")
	cfg.pgPassword = getEnv("POSTGRES_PASSWORD", "password")
	cfg.pgDB = getEnv("POSTGRES_DB", "database")
	if cfg.pgPort, err = getInt("POSTGRES_PORT", "5432"); err != nil {
		return
	}
	if cfg.pgMaxOpenConns, err = getInt("POSTGRES_MAX_OPEN_CONNS", "16"); err != nil {
		return
	}
	if cfg.pgMaxIdleConns, err = getInt("POSTGRES_MAX_IDLE_CONNS", "8"); err != nil {
		return
	}
	var timeoutSec int
	if timeoutSec, err = getInt("POSTGRES_CONN_TIMEOUT_SECOND", "5"); err != nil {
		return
	}
	cfg.pgConnTimeout = time.Duration(timeoutSec) * time.Second

	// Schema config
	if cfg.withLocation, err = getBool("USERS_SCHEMA_LOCATION", "true"); err != nil {
		return
	}

	// Redis config
	if cfg.redisEnabled, err = getBool("REDIS_ENABLED", "false"); err != nil {
		return
	}
	cfg.redisHost = getEnv("REDIS_HOST", "localhost")
	if cfg.redisPort, err = getInt("REDIS_PORT", "6379"); err != nil {
		return
	}
	if cfg.redisDB, err = getInt("REDIS_DB", "0"); err != nil {
		return
	}
	cfg.redisPassword = getEnv("REDIS_PASSWORD", "")
	if cfg.redisPoolSize, err = getInt("REDIS_POOL_SIZE", "10"); err != nil {
		return
	}
	if cfg.redisMinIdleConns, err = getInt("REDIS_MIN_IDLE_CONNS", "2"); err != nil {
		return
	}
	var expSec int
	if expSec, err = getInt("REDIS_EXP_SECOND", "60"); err != nil {
		return
	}
	cfg.redisExp = time.Duration(expSec) * time.Second

	return
}

// postgresURL builds the connection URL shared by the pool and the migrator.
func postgresURL(cfg config) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.pgUser, cfg.pgPassword),
		Host:     fmt.Sprintf("%s:%d", cfg.pgHost, cfg.pgPort),
		Path:     cfg.pgDB,
		RawQuery: url.Values{"sslmode": {"disable"}}.Encode(),
	}
	return u.String()
}

// run initializes the logger, database and optional Redis cache, then
// executes a single command writing its result to out.
func run(ctx context.Context, out io.Writer, cfg config, command, email string) error {
	switch command {
	case cmdMigrate, cmdCount, cmdList, cmdFind:
	default:
		return fmt.Errorf("%w: %s", errUnknownCommand, command)
	}
	if command == cmdFind && email == "" {
		return fmt.Errorf("find requires -email")
	}

	// Initialize logger
	if err := logger.Initialize(cfg.logLevel); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Log.Sync()
	logger.Log.Infow("logger initialized", "level", cfg.logLevel)

	dsn := postgresURL(cfg)

	if command == cmdMigrate {
		version, err := migrations.Up(dsn, cfg.withLocation, logger.Log)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "schema version %d\n", version)
		return nil
	}

	// Connect to PostgreSQL
	connectCtx, cancel := context.WithTimeout(ctx, cfg.pgConnTimeout)
	defer cancel()

	logger.Log.Infow("connecting to PostgreSQL", "host", cfg.pgHost, "port", cfg.pgPort, "db", cfg.pgDB)
	db, err := sqlx.ConnectContext(connectCtx, "pgx", dsn)
	if err != nil {
		return fmt.Errorf("PostgreSQL connection error: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.pgMaxOpenConns)
	db.SetMaxIdleConns(cfg.pgMaxIdleConns)

	// Connect to Redis
	var cache services.UserCache
	if cfg.redisEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%d", cfg.redisHost, cfg.redisPort),
			Password:     cfg.redisPassword,
			DB:           cfg.redisDB,
			PoolSize:     cfg.redisPoolSize,
			MinIdleConns: cfg.redisMinIdleConns,
		})
		defer rdb.Close()
		if err := rdb.Ping(connectCtx).Err(); err != nil {
			return fmt.Errorf("redis connection error: %w", err)
		}
		cache = repositories.NewUserCacheRepository(rdb, cfg.redisExp)
	}

	svc := services.NewUserService(
		repositories.NewUserReadRepository(db, cfg.withLocation),
		repositories.NewUserWriteRepository(db, cfg.withLocation),
		cache,
	)

	switch command {
	case cmdCount:
		n, err := svc.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, n)

	case cmdList:
		enc := json.NewEncoder(out)
		for user, err := range svc.FindAll(ctx) {
			if err != nil {
				return err
			}
			user.Password = ""
			if err := enc.Encode(user); err != nil {
				return err
			}
		}

	case cmdFind:
		user, err := svc.LookupByEmail(ctx, email)
		if err != nil {
			return err
		}
		if user == nil {
			fmt.Fprintf(out, "user with email %q not found\n", email)
			return nil
		}
		if err := json.NewEncoder(out).Encode(user); err != nil {
			return err
		}
	}

	return nil
}
