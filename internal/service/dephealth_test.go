package service

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // драйвер pgx для database/sql
	"github.com/prometheus/client_golang/prometheus"
)

// unreachableDB возвращает *sql.DB, указывающий на недоступный PostgreSQL.
// sql.Open не устанавливает соединение, поэтому конструктор не падает.
func unreachableDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", "postgres://u:p@127.0.0.1:1/db?sslmode=disable&connect_timeout=1")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDephealthService_ValidURL(t *testing.T) {
	ds, err := NewDephealthServiceWithRegisterer(
		"media-harvester",
		"media-harvester",
		unreachableDB(t),
		"postgres://127.0.0.1:1/db",
		"https://commons.example.org/w/api.php",
		5*time.Second,
		testLogger(),
		prometheus.NewRegistry(),
	)
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}
	if ds == nil {
		t.Fatal("DephealthService nil")
	}
}

func TestDephealthService_StartStop(t *testing.T) {
	mockRepo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/w/api.php" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("MediaWiki API help"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer mockRepo.Close()

	ds, err := NewDephealthServiceWithRegisterer(
		"media-harvester",
		"media-harvester",
		unreachableDB(t),
		"postgres://127.0.0.1:1/db",
		mockRepo.URL+"/w/api.php",
		1*time.Second,
		testLogger(),
		prometheus.NewRegistry(),
	)
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Ошибка запуска: %v", err)
	}

	// Даём время на первую проверку (интервал 1s + запас)
	time.Sleep(3 * time.Second)

	health := ds.Health()
	found := false
	for key, ok := range health {
		if strings.HasPrefix(key, repositoryDepName+":") {
			found = true
			if !ok {
				t.Errorf("%s health = false для ключа %q, ожидалось true", repositoryDepName, key)
			}
		}
		if strings.HasPrefix(key, "postgresql:") && ok {
			t.Errorf("postgresql health = true для недоступной БД (ключ %q)", key)
		}
	}
	if !found {
		t.Errorf("Нет записи для %s в Health(), health=%v", repositoryDepName, health)
	}

	ds.Stop()
}
