// Local control endpoint emulator. Point a function process at it via
// AWS_LAMBDA_RUNTIME_API with no code change.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/localstack/lambda-runtime-client/internal/emulator"
)

type opts struct {
	Port            string `long:"port" env:"LAMBDA_EMULATOR_PORT" default:"9001" description:"Port of the runtime API endpoint"`
	FunctionName    string `long:"function-name" env:"AWS_LAMBDA_FUNCTION_NAME" default:"function" description:"Name used in the invoked function ARN"`
	FunctionVersion string `long:"function-version" env:"AWS_LAMBDA_FUNCTION_VERSION" default:"$LATEST" description:"Version used in invocation log lines"`
	AccountID       string `long:"account-id" env:"LAMBDA_EMULATOR_ACCOUNT_ID" default:"000000000000" description:"Account id used in the invoked function ARN"`
	Region          string `long:"region" env:"AWS_REGION" default:"us-east-1" description:"Region used in the invoked function ARN"`
	Timeout         int    `long:"timeout" env:"AWS_LAMBDA_FUNCTION_TIMEOUT" default:"30" description:"Invocation timeout in seconds"`
	LogLevel        string `long:"log-level" env:"LAMBDA_EMULATOR_LOG_LEVEL" default:"info" description:"Log level (trace|debug|info|warn|error)"`
}

func main() {
	var o opts
	if _, err := flags.Parse(&o); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		log.Fatalln(err)
	}

	switch o.LogLevel {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatal("Invalid value for LAMBDA_EMULATOR_LOG_LEVEL")
	}

	srv := emulator.NewHTTPServer(o.Port, emulator.New(emulator.Options{
		FunctionName:    o.FunctionName,
		FunctionVersion: o.FunctionVersion,
		AccountID:       o.AccountID,
		Region:          o.Region,
		InvokeTimeout:   time.Duration(o.Timeout) * time.Second,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("Runtime API emulator listening.")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalln("Emulator terminated:", err)
	}
	log.Info("Emulator stopped.")
}
