//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	domain "github.com/blazecity/api/internal/domain"
	pconfig "github.com/blazecity/api/internal/platform/config"
	pfirestore "github.com/blazecity/api/internal/platform/firestore"
	"github.com/blazecity/api/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestOrderRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "orders-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Second)
	paidAt := now.Add(-time.Minute)
	seed := []domain.Order{
		{
			ID:          "ord_pending",
			OrderNumber: "LP00000001001",
			UserID:      "uid-1",
			TotalAmount: 1000,
			Status:      domain.OrderStatusPending,
			Payment:     domain.PaymentInfo{Reference: "ref-pending", Status: domain.PaymentStatusPending},
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          "ord_processing",
			OrderNumber: "LP00000002001",
			UserID:      "uid-1",
			TotalAmount: 2000,
			Status:      domain.OrderStatusProcessing,
			Payment:     domain.PaymentInfo{Reference: "ref-settled", Status: domain.PaymentStatusSuccess, PaidAt: &paidAt},
			CreatedAt:   now.Add(time.Second),
			UpdatedAt:   now.Add(time.Second),
		},
		{
			ID:          "ord_delivered",
			OrderNumber: "LP00000003001",
			UserID:      "uid-2",
			TotalAmount: 500,
			Status:      domain.OrderStatusDelivered,
			Payment:     domain.PaymentInfo{Reference: "ref-failed", Status: domain.PaymentStatusFailed},
			CreatedAt:   now.Add(2 * time.Second),
			UpdatedAt:   now.Add(2 * time.Second),
		},
	}
	for _, order := range seed {
		if err := repo.Insert(ctx, order); err != nil {
			t.Fatalf("insert %s: %v", order.ID, err)
		}
	}

	t.Run("stats", func(t *testing.T) {
		stats, err := repo.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.TotalOrders != 3 {
			t.Fatalf("expected 3 orders, got %d", stats.TotalOrders)
		}
		if stats.PendingOrders != 1 || stats.ProcessingOrders != 1 || stats.DeliveredOrders != 1 {
			t.Fatalf("unexpected status counts: %+v", stats)
		}
		if stats.TotalRevenue != 2000 {
			t.Fatalf("expected revenue from settled payments only, got %v", stats.TotalRevenue)
		}
	})

	t.Run("update payment cascades", func(t *testing.T) {
		settledAt := now
		processing := domain.OrderStatusProcessing
		updated, err := repo.UpdatePayment(ctx, "ord_pending", domain.PaymentInfo{
			Reference: "ref-pending",
			Status:    domain.PaymentStatusSuccess,
			PaidAt:    &settledAt,
		}, &processing, nil)
		if err != nil {
			t.Fatalf("update payment: %v", err)
		}
		if updated.Status != domain.OrderStatusProcessing || updated.Payment.Status != domain.PaymentStatusSuccess {
			t.Fatalf("expected settled processing order, got %s/%s", updated.Status, updated.Payment.Status)
		}

		persisted, err := repo.FindByID(ctx, "ord_pending")
		if err != nil {
			t.Fatalf("find by id: %v", err)
		}
		if persisted.Status != domain.OrderStatusProcessing || persisted.Payment.Status != domain.PaymentStatusSuccess {
			t.Fatalf("settlement not persisted, got %s/%s", persisted.Status, persisted.Payment.Status)
		}

		stats, err := repo.Stats(ctx)
		if err != nil {
			t.Fatalf("stats after settlement: %v", err)
		}
		if stats.TotalRevenue != 3000 {
			t.Fatalf("expected revenue 3000 after settlement, got %v", stats.TotalRevenue)
		}
	})

	t.Run("guard errors pass through", func(t *testing.T) {
		sentinel := errors.New("status mismatch")
		_, err := repo.UpdateStatus(ctx, "ord_delivered", domain.OrderStatusCancelled, func(current domain.Order) error {
			if current.Status != domain.OrderStatusShipped {
				return sentinel
			}
			return nil
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("expected guard sentinel, got %v", err)
		}
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) {
			t.Fatalf("guard error must not be categorised: %v", err)
		}

		persisted, err := repo.FindByID(ctx, "ord_delivered")
		if err != nil {
			t.Fatalf("find by id: %v", err)
		}
		if persisted.Status != domain.OrderStatusDelivered {
			t.Fatalf("guard rejection must abort the write, got %s", persisted.Status)
		}
	})

	t.Run("guarded update of absent order is not found", func(t *testing.T) {
		_, err := repo.UpdateStatus(ctx, "ord_missing", domain.OrderStatusShipped, func(domain.Order) error {
			return nil
		})
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) {
			t.Fatalf("expected categorised repository error, got %v", err)
		}
		if !repoErr.IsNotFound() {
			t.Fatalf("expected not-found classification, got %v", err)
		}
	})

	t.Run("status transition", func(t *testing.T) {
		updated, err := repo.UpdateStatus(ctx, "ord_processing", domain.OrderStatusShipped, func(current domain.Order) error {
			if current.Status != domain.OrderStatusProcessing {
				return fmt.Errorf("unexpected current status %s", current.Status)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("update status: %v", err)
		}
		if updated.Status != domain.OrderStatusShipped {
			t.Fatalf("expected shipped, got %s", updated.Status)
		}
	})

	t.Run("find by payment reference", func(t *testing.T) {
		order, found, err := repo.FindByPaymentReference(ctx, "ref-settled")
		if err != nil {
			t.Fatalf("find by reference: %v", err)
		}
		if !found || order.ID != "ord_processing" {
			t.Fatalf("expected ord_processing, got found=%v order=%q", found, order.ID)
		}

		_, found, err = repo.FindByPaymentReference(ctx, "ref-unknown")
		if err != nil {
			t.Fatalf("find unknown reference: %v", err)
		}
		if found {
			t.Fatal("expected no order for unknown reference")
		}
	})
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}
