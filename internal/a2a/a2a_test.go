package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/config"
	"github.com/normanking/halalcert/internal/system"
)

func TestParseInvocation(t *testing.T) {
	t.Run("data part with skill and input", func(t *testing.T) {
		msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.DataPart{Data: map[string]any{
			"skill": agent.CapVerifyCertificate,
			"input": map[string]any{"id": "abc"},
		}})
		inv, err := ParseInvocation(msg)
		require.NoError(t, err)
		assert.Equal(t, agent.CapVerifyCertificate, inv.Skill)
		assert.JSONEq(t, `{"id":"abc"}`, string(inv.Input))
	})

	t.Run("metadata skill with bare data", func(t *testing.T) {
		msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.DataPart{Data: map[string]any{"org_id": "acme"}})
		msg.Metadata = map[string]any{"skill": agent.CapGetWorkflowConfig}
		inv, err := ParseInvocation(msg)
		require.NoError(t, err)
		assert.Equal(t, agent.CapGetWorkflowConfig, inv.Skill)
		assert.JSONEq(t, `{"org_id":"acme"}`, string(inv.Input))
	})

	t.Run("text declaration is classified", func(t *testing.T) {
		msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: "Lemon Water\nIngredients: water, sugar, salt"})
		inv, err := ParseInvocation(msg)
		require.NoError(t, err)
		assert.Equal(t, agent.CapClassifyIngredients, inv.Skill)
		assert.JSONEq(t, `{"product_name":"Lemon Water","ingredients":["water","sugar","salt"]}`, string(inv.Input))
	})

	t.Run("json text", func(t *testing.T) {
		msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: `{"skill":"revoke-certificate","input":{"id":"x","reason":"recall"}}`})
		inv, err := ParseInvocation(msg)
		require.NoError(t, err)
		assert.Equal(t, agent.CapRevokeCertificate, inv.Skill)
	})

	t.Run("text for a structured skill", func(t *testing.T) {
		msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: "please"})
		msg.Metadata = map[string]any{"skill": agent.CapAdvanceStage}
		_, err := ParseInvocation(msg)
		assert.ErrorIs(t, err, agent.ErrInvalidInput)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseInvocation(a2a.NewMessage(a2a.MessageRoleUser))
		assert.ErrorIs(t, err, agent.ErrInvalidInput)
		_, err = ParseInvocation(nil)
		assert.ErrorIs(t, err, agent.ErrInvalidInput)
	})
}

func TestToData(t *testing.T) {
	data, err := toData([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": []any{"a", "b"}}, data)

	data, err = toData(map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, float64(1), data["n"])
}

func newTestA2A(t *testing.T) (*httptest.Server, *system.System) {
	t.Helper()
	cfg := config.Default()
	cfg.System.HealthInterval = 0
	sys, err := system.New(cfg)
	require.NoError(t, err)
	require.NoError(t, sys.Start(context.Background()))

	ts := httptest.NewServer(NewHandler(sys, config.A2AConfig{Enabled: true, PublicURL: "http://example.test/a2a"}, "127.0.0.1:0", zerolog.Nop()))
	t.Cleanup(func() {
		ts.Close()
		_ = sys.Shutdown(context.Background())
	})
	return ts, sys
}

func TestAgentCard(t *testing.T) {
	ts, _ := newTestA2A(t)

	resp, err := http.Get(ts.URL + a2asrv.WellKnownAgentCardPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var card struct {
		Name   string `json:"name"`
		URL    string `json:"url"`
		Skills []struct {
			ID string `json:"id"`
		} `json:"skills"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&card))
	assert.Equal(t, "http://example.test/a2a/", card.URL)

	var ids []string
	for _, s := range card.Skills {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, agent.CapClassifyIngredients)
	assert.Contains(t, ids, agent.CapGenerateCertificate)
	assert.Contains(t, ids, system.WorkflowClassifyAndCertify)
	assert.Len(t, ids, 9)
}

type rpcTask struct {
	Status struct {
		State   string `json:"state"`
		Message struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"message"`
	} `json:"status"`
	Artifacts []struct {
		Name  string `json:"name"`
		Parts []struct {
			Kind string         `json:"kind"`
			Data map[string]any `json:"data"`
		} `json:"parts"`
	} `json:"artifacts"`
}

func sendMessage(t *testing.T, url string, parts ...map[string]any) rpcTask {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "message/send",
		"params": map[string]any{
			"message": map[string]any{
				"kind":      "message",
				"messageId": "m-1",
				"role":      "user",
				"parts":     parts,
			},
		},
	})
	require.NoError(t, err)

	resp, err := http.Post(url+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Result rpcTask         `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Empty(t, out.Error)
	return out.Result
}

func TestSendTextDeclaration(t *testing.T) {
	ts, _ := newTestA2A(t)

	task := sendMessage(t, ts.URL, map[string]any{"kind": "text", "text": "Ingredients: water, sugar, salt"})
	assert.Equal(t, "completed", task.Status.State)
	require.NotEmpty(t, task.Artifacts)
	assert.Equal(t, agent.CapClassifyIngredients, task.Artifacts[0].Name)
	assert.Equal(t, "approved", task.Artifacts[0].Parts[0].Data["status"])
}

func TestSendWorkflow(t *testing.T) {
	ts, sys := newTestA2A(t)

	task := sendMessage(t, ts.URL, map[string]any{"kind": "data", "data": map[string]any{
		"skill": system.WorkflowClassifyAndCertify,
		"input": map[string]any{
			"product_name": "Table Syrup",
			"ingredients":  []string{"water", "sugar"},
		},
	}})
	assert.Equal(t, "completed", task.Status.State)

	certs, err := sys.ListCertificates(context.Background())
	require.NoError(t, err)
	assert.Len(t, certs, 1)
}

func TestSendFailure(t *testing.T) {
	ts, _ := newTestA2A(t)

	task := sendMessage(t, ts.URL, map[string]any{"kind": "data", "data": map[string]any{
		"skill": agent.CapRevokeCertificate,
		"input": map[string]any{"id": "missing", "reason": "recall"},
	}})
	assert.Equal(t, "failed", task.Status.State)
	require.NotEmpty(t, task.Status.Message.Parts)
	assert.Contains(t, task.Status.Message.Parts[0].Text, "Error:")
}
