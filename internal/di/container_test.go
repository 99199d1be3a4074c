package di

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/hanko-field/oms/internal/platform/config"
	"github.com/hanko-field/oms/internal/platform/messaging"
)

func TestBuildOrderRepositoryRejectsBadDrivers(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.Config
		wantErr string
	}{
		{
			name:    "unknown driver",
			cfg:     config.Config{Storage: config.StorageConfig{Driver: "mysql"}},
			wantErr: `unsupported storage driver "mysql"`,
		},
		{
			name:    "postgres without dsn",
			cfg:     config.Config{Storage: config.StorageConfig{Driver: "postgres"}},
			wantErr: "postgres dsn is required",
		},
		{
			name: "postgres with malformed dsn",
			cfg: config.Config{
				Storage:  config.StorageConfig{Driver: "postgres"},
				Postgres: config.PostgresConfig{DSN: "postgres://%zz"},
			},
			wantErr: "parse postgres dsn",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Container{}
			_, _, err := c.buildOrderRepository(context.Background(), tc.cfg, nil)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
			if len(c.closers) != 0 {
				t.Fatalf("expected no closers on failure, got %d", len(c.closers))
			}
		})
	}
}

func TestBuildMessagingRejectsBadConfig(t *testing.T) {
	handler := messaging.HandlerFunc(func(context.Context, string) error { return nil })
	cases := []struct {
		name    string
		cfg     config.Config
		wantErr string
	}{
		{
			name:    "unknown driver",
			cfg:     config.Config{Messaging: config.MessagingConfig{Driver: "nats"}},
			wantErr: `unsupported messaging driver "nats"`,
		},
		{
			name:    "kafka without brokers",
			cfg:     config.Config{Messaging: config.MessagingConfig{Driver: "kafka"}},
			wantErr: "brokers are required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Container{}
			_, err := c.buildMessaging(context.Background(), tc.cfg, handler, zap.NewNop(), noop.NewTracerProvider())
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestContainerCloseRunsInReverseOrder(t *testing.T) {
	var order []string
	c := &Container{}
	for _, name := range []string{"firestore", "postgres", "broker"} {
		c.closers = append(c.closers, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if strings.Join(order, ",") != "broker,postgres,firestore" {
		t.Fatalf("expected reverse close order, got %v", order)
	}
	if err := c.Close(context.Background()); err != nil || len(order) != 3 {
		t.Fatalf("expected second close to be a no-op, got %v after %d calls", err, len(order))
	}
}
