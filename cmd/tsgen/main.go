// Command tsgen builds a pulse table, loads it into the digital output FIFO
// of a card served by timingd and starts the output.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/superdarn/timingd/internal/tsg"
	"go.uber.org/zap"
)

func main() {
	pflag.String("server", "http://localhost:8080", "timingd base URL")
	pflag.String("token", "", "machine token or access token")
	pflag.String("user", "", "operator name, used when no token is given")
	pflag.String("password", "", "operator password")
	pflag.StringP("sequence", "s", "", "sequence file; the built-in test sequence when empty")
	pflag.String("trace", "", "write a text trace of the table to this file")
	pflag.Bool("dry-run", false, "print the steps without contacting the server")
	pflag.Duration("wait-timeout", 0, "bound on each FIFO completion wait; server default when zero")
	pflag.Bool("debug", false, "development logging")
	pflag.Parse()

	v := viper.New()
	v.SetEnvPrefix("TSGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		log.Fatalf("Failed to bind flags: %v", err)
	}

	logger, err := newLogger(v.GetBool("debug"))
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(v, logger); err != nil {
		logger.Fatal("tsgen failed", zap.Error(err))
	}
}

func run(v *viper.Viper, logger *zap.Logger) error {
	seq, err := loadSequence(v.GetString("sequence"))
	if err != nil {
		return err
	}

	if path := v.GetString("trace"); path != "" {
		if err := writeTrace(path, seq.Params); err != nil {
			return err
		}
		logger.Info("Trace written", zap.String("path", path))
	}

	for name, val := range map[string]*uint32{"reset": seq.CSR.Reset, "setup": seq.CSR.Setup, "enable": seq.CSR.Enable} {
		if val == nil {
			logger.Warn("No digital output CSR value, write skipped", zap.String("csr", name))
		}
	}

	steps, err := seq.Steps()
	if err != nil {
		return err
	}

	if v.GetBool("dry-run") {
		for i, s := range steps {
			fmt.Printf("%2d  %-18s %-11s %6d bytes  %s\n", i, s.Name, s.Slot, len(s.Data), s.Pause)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := tsg.NewClient(v.GetString("server"), v.GetString("token"))
	if v.GetString("token") == "" {
		if v.GetString("user") == "" {
			return fmt.Errorf("either --token or --user is required")
		}
		if err := client.Login(ctx, v.GetString("user"), v.GetString("password")); err != nil {
			return err
		}
	}

	logger.Info("Loading sequence",
		zap.String("server", v.GetString("server")),
		zap.Int("steps", len(steps)),
		zap.Int("table_words", seq.Params.TableWords))

	runner := tsg.NewRunner(client, v.GetDuration("wait-timeout"), logger)
	if err := runner.Run(ctx, steps); err != nil {
		return err
	}

	logger.Info("Sequence started")
	return nil
}

func loadSequence(path string) (*tsg.Sequence, error) {
	if path == "" {
		seq := tsg.DefaultSequence()
		return &seq, seq.Validate()
	}
	return tsg.LoadSequence(path)
}

func writeTrace(path string, p tsg.Params) error {
	words, err := p.Build()
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create trace: %w", err)
	}
	if err := tsg.WriteTrace(f, words); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
