package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL      string
	idempotencyKey string
	toTeam         string
	actor          string
	reason         string
	jsonl          bool
)

func main() {
	root := &cobra.Command{
		Use:   "claimctl",
		Short: "Operate the claims pipeline over its HTTP API",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CLAIMSPIPE_URL", "http://localhost:8080"), "base URL of the claims service")

	submit := &cobra.Command{
		Use:   "submit FILE...",
		Short: "Submit a claim from one or more documents",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSubmit,
	}
	submit.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "make the submission safely repeatable")

	status := &cobra.Command{
		Use:   "status CLAIM_ID",
		Short: "Show a claim's pipeline status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/claims/" + args[0])
		},
	}

	fields := &cobra.Command{
		Use:   "fields CLAIM_ID",
		Short: "Show extracted fields with citations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/claims/" + args[0] + "/fields")
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/claims")
		},
	}

	reassign := &cobra.Command{
		Use:   "reassign CLAIM_ID",
		Short: "Override the routed team",
		Args:  cobra.ExactArgs(1),
		RunE:  runReassign,
	}
	reassign.Flags().StringVar(&toTeam, "to", "", "target team (required)")
	reassign.Flags().StringVar(&actor, "actor", "", "who is reassigning (required)")
	reassign.Flags().StringVar(&reason, "reason", "", "why")
	reassign.MarkFlagRequired("to")
	reassign.MarkFlagRequired("actor")

	cancel := &cobra.Command{
		Use:   "cancel CLAIM_ID",
		Short: "Request cooperative cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"actor": actor})
			return postJSON("/api/claims/"+args[0]+"/cancel", body, nil)
		},
	}
	cancel.Flags().StringVar(&actor, "actor", "claimctl", "who is cancelling")

	auditCmd := &cobra.Command{
		Use:   "audit CLAIM_ID",
		Short: "Print a claim's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/claims/" + args[0] + "/audit"
			if jsonl {
				path += "?format=jsonl"
				return getRaw(path)
			}
			return getJSON(path)
		},
	}
	auditCmd.Flags().BoolVar(&jsonl, "jsonl", false, "emit one JSON object per line")

	health := &cobra.Command{
		Use:   "health",
		Short: "Probe the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/healthcheck")
		},
	}

	root.AddCommand(submit, status, fields, list, reassign, cancel, auditCmd, health)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, path := range args {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		part, err := w.CreateFormFile("documents", filepath.Base(path))
		if err != nil {
			f.Close()
			return err
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/api/claims", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return doRequest(req)
}

func runReassign(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]string{
		"to_team": toTeam,
		"actor":   actor,
		"reason":  reason,
	})
	if err != nil {
		return err
	}
	return postJSON("/api/claims/"+args[0]+"/reassign", body, nil)
}

func getJSON(path string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	return doRequest(req)
}

func getRaw(path string) error {
	resp, err := httpClient().Get(serverURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func postJSON(path string, body []byte, headers map[string]string) error {
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doRequest(req)
}

func doRequest(req *http.Request) error {
	resp, err := httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else if len(data) > 0 {
		fmt.Println(string(data))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 2 * time.Minute}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
