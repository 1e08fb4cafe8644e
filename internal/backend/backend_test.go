package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/speakcheck/internal/audio"
	"github.com/audiolibrelab/speakcheck/internal/evaluation"
	"github.com/audiolibrelab/speakcheck/internal/submission"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", Token: "secret", UserID: "learner-1"}, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestInterviewUploadAndEvaluate(t *testing.T) {
	var evalBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/file/upload-local":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			f, hdr, err := r.FormFile("file")
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			assert.Equal(t, "opus-bytes", string(data))
			assert.Equal(t, "interview-response.webm", hdr.Filename)
			assert.Equal(t, "audio/webm", r.FormValue("content_type"))
			writeJSON(w, http.StatusOK, map[string]any{"file_uuid": "file-123"})
		case "/ai/interview/evaluate":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&evalBody))
			writeJSON(w, http.StatusOK, map[string]any{"overallScore": 82, "criteria": []any{}})
		default:
			http.NotFound(w, r)
		}
	})

	iv := NewInterview(client, "Tell me about yourself", 120)
	ref, err := iv.Upload(context.Background(), audio.Artifact{Data: []byte("opus-bytes"), MimeType: "audio/webm"})
	require.NoError(t, err)
	assert.Equal(t, "file-123", ref)

	payload, err := iv.Evaluate(context.Background(), ref, submission.Request{
		Metadata: map[string]string{submission.MetaMaxDuration: "60"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 82, payload["overallScore"])

	assert.Equal(t, "file-123", evalBody["audio_uuid"])
	assert.Equal(t, "Tell me about yourself", evalBody["question"])
	assert.EqualValues(t, 60, evalBody["max_duration"])
}

func TestUploadWrappedResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"file_uuid": "wrapped"}})
	})

	ref, err := client.UploadFile(context.Background(), audio.Artifact{Data: []byte("x"), MimeType: "audio/ogg"}, "r")
	require.NoError(t, err)
	assert.Equal(t, "wrapped", ref)
}

func TestUploadErrors(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "disk full"})
		},
		"missing uuid": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{})
		},
		"not json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		},
	}

	for name, handler := range tests {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, handler)
			_, err := client.UploadFile(context.Background(), audio.Artifact{Data: []byte("x"), MimeType: "audio/webm"}, "r")
			assert.Error(t, err)
		})
	}
}

func TestResponseErrorCarriesMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]any{"message": "scorer offline"})
	})

	_, err := NewInterview(client, "q", 60).Evaluate(context.Background(), "ref", submission.Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Contains(t, err.Error(), "scorer offline")
}

func TestConversationalEvaluate(t *testing.T) {
	rubric := &evaluation.Rubric{Name: "Pitch", Criteria: []evaluation.RubricCriterion{{Name: "Clarity", MaxScore: 5}}}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversational-feedback/analyze", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		f, hdr, err := r.FormFile("audio")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "wav-bytes", string(data))
		assert.Equal(t, "response.wav", hdr.Filename)
		assert.Equal(t, "task-9", r.FormValue("taskId"))
		assert.Equal(t, "learner-1", r.FormValue("userId"))
		assert.Equal(t, "Pitch your idea", r.FormValue("prompt"))

		var got evaluation.Rubric
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("rubric")), &got))
		assert.Equal(t, *rubric, got)

		writeJSON(w, http.StatusOK, map[string]any{"overall_score": 70})
	})

	conv := NewConversational(client)
	ref, err := conv.Upload(context.Background(), audio.Artifact{Data: []byte("wav-bytes"), MimeType: "audio/wav"})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, 1, conv.Staged())

	payload, err := conv.Evaluate(context.Background(), ref, submission.Request{
		SubjectID: "task-9",
		Rubric:    rubric,
		Metadata:  map[string]string{submission.MetaPrompt: "Pitch your idea"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 70, payload["overall_score"])
	assert.Equal(t, 0, conv.Staged())

	_, err = conv.Evaluate(context.Background(), ref, submission.Request{})
	assert.Error(t, err, "reference is consumed")
}

func TestTaskConfigRoundTrip(t *testing.T) {
	var methods []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"id":    "task-9",
					"title": "Elevator pitch",
					"conversational_feedback_config": map[string]any{
						"maxDuration": 90,
						"prompt":       "Pitch",
						"rubric":       map[string]any{"name": "Pitch", "criteria": []any{map[string]any{"name": "Clarity", "maxScore": 5}}},
					},
				},
			})
		default:
			var cfg FeedbackConfig
			require.NoError(t, json.NewDecoder(r.Body).Decode(&cfg))
			writeJSON(w, http.StatusOK, Task{ID: "task-9", ConversationalFeedback: &cfg})
		}
	})
	ctx := context.Background()

	task, err := client.GetTask(ctx, "task-9")
	require.NoError(t, err)
	assert.Equal(t, "Elevator pitch", task.Title)
	require.NotNil(t, task.ConversationalFeedback)
	assert.Equal(t, 90, task.ConversationalFeedback.MaxDuration)
	require.NotNil(t, task.ConversationalFeedback.Rubric)
	assert.Len(t, task.ConversationalFeedback.Rubric.Criteria, 1)

	saved, err := client.SaveTaskConfig(ctx, "task-9", *task.ConversationalFeedback)
	require.NoError(t, err)
	assert.False(t, saved.ConversationalFeedback.Published)

	published, err := client.PublishTaskConfig(ctx, "task-9", *task.ConversationalFeedback)
	require.NoError(t, err)
	assert.True(t, published.ConversationalFeedback.Published)

	assert.Equal(t, []string{
		"GET /tasks/task-9",
		"PUT /tasks/task-9/conversational_feedback",
		"POST /tasks/task-9/conversational_feedback",
	}, methods)
}

func TestGetTaskWireShapes(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantID     TaskID
		wantMax    int
		wantRubric bool
		wantConfig bool
	}{
		{
			name:       "camel case config",
			body:       `{"id":"t1","conversational_feedback_config":{"maxDuration":45,"prompt":"Describe your hometown","rubric":{"name":"Hometown","criteria":[{"name":"Fluency","maxScore":5}]}}}`,
			wantID:     "t1",
			wantMax:    45,
			wantRubric: true,
			wantConfig: true,
		},
		{
			name:   "numeric id",
			body:   `{"id":42,"title":"Pitch"}`,
			wantID: "42",
		},
		{
			name:       "snake case fallback",
			body:       `{"data":{"id":7,"conversational_feedback":{"max_duration":60,"prompt":"Pitch"}}}`,
			wantID:     "7",
			wantMax:    60,
			wantConfig: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			})

			task, err := client.GetTask(context.Background(), "any")
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, task.ID)
			if !tt.wantConfig {
				assert.Nil(t, task.ConversationalFeedback)
				return
			}
			require.NotNil(t, task.ConversationalFeedback)
			assert.Equal(t, tt.wantMax, task.ConversationalFeedback.MaxDuration)
			assert.Equal(t, tt.wantRubric, task.ConversationalFeedback.Rubric != nil)
		})
	}
}

func TestFeedbackConfigSentWithCamelCaseDuration(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, map[string]any{"id": 3})
	})

	task, err := client.SaveTaskConfig(context.Background(), "3", FeedbackConfig{MaxDuration: 45, Prompt: "Pitch"})
	require.NoError(t, err)
	assert.Equal(t, TaskID("3"), task.ID)
	assert.EqualValues(t, 45, body["maxDuration"])
	assert.NotContains(t, body, "max_duration")
}

func TestGetTaskNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "task not found"})
	})

	_, err := client.GetTask(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task not found")
}
