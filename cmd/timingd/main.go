package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/superdarn/timingd/internal/auth"
	"github.com/superdarn/timingd/internal/config"
	"github.com/superdarn/timingd/internal/storage"
	"github.com/superdarn/timingd/internal/system"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the config file")
	debug := pflag.Bool("debug", false, "development logging")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: timingd [flags]\n       timingd hash-password\n       timingd gen-token\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	switch pflag.Arg(0) {
	case "":
	case "hash-password":
		if err := hashPassword(); err != nil {
			log.Fatal(err)
		}
		return
	case "gen-token":
		if err := genToken(); err != nil {
			log.Fatal(err)
		}
		return
	default:
		pflag.Usage()
		os.Exit(2)
	}

	logger, err := newLogger(*debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *storage.PostgresClient
	if cfg.Database.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		db, err = storage.NewPostgresClient(connectCtx, cfg.Database)
		if err == nil {
			err = db.EnsureSchema(connectCtx)
		}
		cancel()
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		logger.Info("Database connected successfully")
	}

	lifecycle, err := system.NewLifecycleManager(cfg, db, logger)
	if err != nil {
		logger.Fatal("Failed to create lifecycle manager", zap.Error(err))
	}

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("timingd stopped with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("timingd stopped")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// hashPassword reads a password from stdin and prints its argon2id hash for
// auth.operators[].password_hash.
func hashPassword() error {
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	hash, err := auth.NewPasswordHasher().HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

// genToken prints a new machine token and the digest that goes into
// auth.machine_tokens[].token_hash.
func genToken() error {
	token, hash, err := auth.GenerateMachineToken()
	if err != nil {
		return err
	}
	fmt.Printf("token:      %s\ntoken_hash: %s\n", token, hash)
	return nil
}
