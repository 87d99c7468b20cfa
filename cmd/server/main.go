package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	_ "github.com/lib/pq"

	"github.com/finledger/reconciliation-engine/internal/config"
	"github.com/finledger/reconciliation-engine/internal/events/kafka"
	"github.com/finledger/reconciliation-engine/internal/interfaces"
	"github.com/finledger/reconciliation-engine/internal/matching"
	"github.com/finledger/reconciliation-engine/internal/storage/memory"
	"github.com/finledger/reconciliation-engine/internal/storage/postgres"
)

func main() {
	cfg := config.Load()

	var store interfaces.LedgerStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatal("failed to open database:", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatal("failed to reach database:", err)
		}
		store = postgres.NewStore(db)
	} else {
		log.Println("DATABASE_URL not set, using in-memory store")
		store = memory.NewStore()
	}

	opts := []matching.Option{matching.WithAmountTolerance(cfg.AmountTolerance)}
	if len(cfg.KafkaBrokers) > 0 {
		opts = append(opts, matching.WithPublisher(kafka.NewPublisher(cfg.KafkaBrokers)))
	}
	engine := matching.NewEngine(store, opts...)

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	http.HandleFunc("/reconcile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			StatementLineID string `json:"statement_line_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StatementLineID == "" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		line, err := engine.TryAutoReconcile(context.Background(), req.StatementLineID)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			StatementLineID string `json:"statement_line_id"`
			State           string `json:"state"`
		}{line.ID, string(line.State)})
	})

	http.HandleFunc("/reconcile/batch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			BatchSize int `json:"batch_size"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.BatchSize <= 0 {
			req.BatchSize = cfg.BatchSize
		}

		result, err := engine.TryAutoReconcileBatch(context.Background(), req.BatchSize)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})

	http.HandleFunc("/rules/trigger", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			RuleID          string `json:"rule_id"`
			StatementLineID string `json:"statement_line_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
			req.RuleID == "" || req.StatementLineID == "" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		line, err := engine.TriggerRule(context.Background(), req.RuleID, req.StatementLineID)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			StatementLineID string `json:"statement_line_id"`
			State           string `json:"state"`
		}{line.ID, string(line.State)})
	})

	http.HandleFunc("/lines/set-account", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			StatementLineID string `json:"statement_line_id"`
			JournalLineID   string `json:"journal_line_id"`
			Account         string `json:"account"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
			req.StatementLineID == "" || req.JournalLineID == "" || req.Account == "" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		retry, err := engine.SetAccount(context.Background(), req.StatementLineID, req.JournalLineID, req.Account)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			RetriableLineIDs []string `json:"retriable_line_ids"`
		}{retry})
	})

	http.HandleFunc("/rules/available", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		raw := r.URL.Query().Get("line_ids")
		if raw == "" {
			http.Error(w, "line_ids is a mandatory field", http.StatusBadRequest)
			return
		}

		suggestions, err := engine.AvailableRules(context.Background(), strings.Split(raw, ","))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(suggestions)
	})

	log.Println("Starting server on :" + cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, nil))
}

// writeEngineError maps a malformed-rule error to 422 with a structured body
// so the UI can point the user at the offending rule.
func writeEngineError(w http.ResponseWriter, err error) {
	var ruleErr *matching.RuleError
	if errors.As(err, &ruleErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(struct {
			RuleID   string `json:"rule_id"`
			RuleName string `json:"rule_name"`
			Failure  string `json:"failure"`
			Detail   string `json:"detail"`
		}{ruleErr.RuleID, ruleErr.RuleName, string(ruleErr.Failure), ruleErr.Detail})
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}
