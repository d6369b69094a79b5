// Package gpt implements the image_to_text, text_to_dwc and image_to_dwc
// engines backed by a hosted vision/language model reached over plain HTTP.
// No model-provider SDK appears anywhere in the retrieved example corpus,
// so the client here is a thin JSON-over-net/http call, the same idiom the
// GBIF client (pkg/gbif) uses for its own external API.
package gpt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devvyn/herbarium-specimen-tools/internal/config"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine"
)

// Name is the engine name this package registers under.
const Name = "gpt"

const apiKeyEnv = "OPENAI_API_KEY"

// Endpoint is the chat-completions endpoint; overridable in tests.
var Endpoint = "https://api.openai.com/v1/chat/completions"

// Register installs the gpt image_to_text, text_to_dwc and image_to_dwc
// capabilities when allowGPT (the ocr.allow_gpt config flag) is set; when it
// is false, nothing registers. The API key is not checked here: each
// capability returns MISSING_DEPENDENCY at call time when no key is set.
func Register(reg *engine.Registry, cfg config.GPT, allowGPT bool) {
	if !allowGPT {
		return
	}
	client := &http.Client{Timeout: 60 * time.Second}
	e := &engineImpl{cfg: cfg, client: client, apiKey: os.Getenv(apiKeyEnv)}

	reg.RegisterImageToText(Name, e.imageToText)
	reg.RegisterTextToDwc(Name, e.textToDwc)
	reg.RegisterImageToDwc(Name, e.imageToDwc)
}

// RegisterFallback installs the default GPT-escalation fallback policy for
// engineName (e.g. "tesseract"): when ocr.allow_gpt is set and the primary
// engine's output is empty or below ocrConfidenceThreshold, and the
// primary's own confidence is below gpt.fallback_threshold, re-run
// image_to_text with the gpt engine. A policy never recurses into its own
// engine name.
func RegisterFallback(reg *engine.Registry, engineName string, cfg config.GPT, allowGPT bool, ocrConfidenceThreshold float64) {
	reg.RegisterFallback(engineName, func(r *engine.Registry, imagePath, text string, tokenConfidences []float64, runOpts engine.Options) (engine.FallbackResult, bool, error) {
		if !allowGPT {
			return engine.FallbackResult{}, false, nil
		}
		avg := meanConfidence(tokenConfidences)
		weak := text == "" || avg < ocrConfidenceThreshold
		if !weak || avg >= cfg.FallbackThreshold {
			return engine.FallbackResult{}, false, nil
		}
		gptOpts := runOpts
		gptOpts.Model = cfg.Model
		gptOpts.DryRun = cfg.DryRun
		gptOpts.PromptDir = cfg.PromptDir
		newText, newConf, err := r.DispatchImageToText(Name, imagePath, gptOpts)
		if err != nil {
			return engine.FallbackResult{}, false, err
		}
		return engine.FallbackResult{
			Text:             newText,
			TokenConfidences: newConf,
			FinalEngine:      Name,
		}, true, nil
	})
}

func meanConfidence(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func (e *engineImpl) imageToText(imagePath string, opts engine.Options) (string, []float64, error) {
	model := opts.Model
	if model == "" {
		model = e.cfg.Model
	}
	promptDir := opts.PromptDir
	if promptDir == "" {
		promptDir = e.cfg.PromptDir
	}
	dryRun := opts.DryRun || e.cfg.DryRun

	messages, err := loadMessages("image_to_text", promptDir)
	if err != nil {
		return "", nil, err
	}
	if len(opts.Langs) > 0 {
		messages = append([]chatMessage{{Role: "system", Content: "Languages: " + strings.Join(opts.Langs, ", ")}}, messages...)
	}
	if dryRun {
		return "", nil, nil
	}
	if e.apiKey == "" {
		return "", nil, engine.NewError(engine.CodeMissingDependency, "no "+apiKeyEnv+" configured")
	}

	img, err := os.ReadFile(imagePath)
	if err != nil {
		return "", nil, engine.NewError(engine.CodeAPIError, "reading image: "+err.Error())
	}
	b64 := base64.StdEncoding.EncodeToString(img)
	messages = append(messages, chatMessage{
		Role: "user",
		Content: []map[string]interface{}{
			{"type": "image_url", "image_url": map[string]string{"url": "data:image/jpeg;base64," + b64}},
		},
	})

	text, err := e.callRaw(model, messages)
	if err != nil {
		return "", nil, err
	}
	if text == "" {
		return "", nil, nil
	}
	return text, []float64{1.0}, nil
}

// callRaw invokes the chat endpoint and returns the assistant's raw text
// content, for capabilities (image_to_text) whose output isn't itself a
// DwC-shaped JSON object.
func (e *engineImpl) callRaw(model string, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", engine.NewError(engine.CodeAPIError, err.Error())
	}
	req, err := http.NewRequest(http.MethodPost, Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", engine.NewError(engine.CodeAPIError, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", engine.NewError(engine.CodeAPIError, err.Error())
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", engine.NewError(engine.CodeParseError, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || len(parsed.Choices) == 0 {
		return "", engine.NewError(engine.CodeAPIError, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	return parsed.Choices[0].Message.Content, nil
}

type engineImpl struct {
	cfg    config.GPT
	client *http.Client
	apiKey string
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// loadMessages assembles the chat message list for task from promptDir,
// preferring split system/assistant/user files and falling back to a
// single legacy "<task>.prompt" file; mirrors the original prompt-file
// discovery order.
func loadMessages(task, promptDir string) ([]chatMessage, error) {
	if promptDir == "" {
		return nil, engine.NewError(engine.CodeMissingPrompt, fmt.Sprintf("no prompt_dir configured for %s", task))
	}
	var messages []chatMessage
	for _, role := range []string{"system", "assistant", "user"} {
		path := filepath.Join(promptDir, fmt.Sprintf("%s.%s.prompt", task, role))
		if b, err := os.ReadFile(path); err == nil {
			messages = append(messages, chatMessage{Role: role, Content: string(b)})
		}
	}
	if len(messages) == 0 || messages[len(messages)-1].Role != "user" {
		legacy := filepath.Join(promptDir, fmt.Sprintf("%s.prompt", task))
		if b, err := os.ReadFile(legacy); err == nil {
			messages = append(messages, chatMessage{Role: "user", Content: string(b)})
		}
	}
	if len(messages) == 0 || messages[len(messages)-1].Role != "user" {
		return nil, engine.NewError(engine.CodeMissingPrompt, fmt.Sprintf("user prompt for %s not found", task))
	}
	return messages, nil
}

func (e *engineImpl) textToDwc(text string, opts engine.Options) (map[string]string, map[string]float64, error) {
	model := opts.Model
	if model == "" {
		model = e.cfg.Model
	}
	promptDir := opts.PromptDir
	if promptDir == "" {
		promptDir = e.cfg.PromptDir
	}
	dryRun := opts.DryRun || e.cfg.DryRun

	messages, err := loadMessages("text_to_dwc", promptDir)
	if err != nil {
		return nil, nil, err
	}
	fieldHint := "required"
	if len(opts.Fields) > 0 {
		fieldHint = strings.Join(opts.Fields, ", ")
	}
	for i := range messages {
		if s, ok := messages[i].Content.(string); ok {
			messages[i].Content = strings.ReplaceAll(s, "%FIELD%", fieldHint)
		}
	}

	if dryRun {
		return map[string]string{}, map[string]float64{}, nil
	}
	if e.apiKey == "" {
		return nil, nil, engine.NewError(engine.CodeMissingDependency, "no "+apiKeyEnv+" configured")
	}

	messages = append(messages, chatMessage{Role: "user", Content: text})
	return e.call(model, messages)
}

func (e *engineImpl) imageToDwc(imagePath string, opts engine.Options) (map[string]string, map[string]float64, error) {
	model := opts.Model
	if model == "" {
		model = e.cfg.Model
	}
	promptDir := opts.PromptDir
	if promptDir == "" {
		promptDir = e.cfg.PromptDir
	}
	dryRun := opts.DryRun || e.cfg.DryRun
	instructions := opts.Instructions

	if instructions == "" {
		return nil, nil, engine.NewError(engine.CodeMissingPrompt, "image_to_dwc requires instructions")
	}
	messages, err := loadMessages(instructions, promptDir)
	if err != nil {
		return nil, nil, err
	}

	if dryRun {
		return map[string]string{}, map[string]float64{}, nil
	}
	if e.apiKey == "" {
		return nil, nil, engine.NewError(engine.CodeMissingDependency, "no "+apiKeyEnv+" configured")
	}

	img, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, nil, engine.NewError(engine.CodeAPIError, "reading image: "+err.Error())
	}
	b64 := base64.StdEncoding.EncodeToString(img)
	messages = append(messages, chatMessage{
		Role: "user",
		Content: []map[string]interface{}{
			{"type": "image_url", "image_url": map[string]string{"url": "data:image/jpeg;base64," + b64}},
		},
	})

	return e.call(model, messages)
}

func (e *engineImpl) call(model string, messages []chatMessage) (map[string]string, map[string]float64, error) {
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return nil, nil, engine.NewError(engine.CodeAPIError, err.Error())
	}
	req, err := http.NewRequest(http.MethodPost, Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, engine.NewError(engine.CodeAPIError, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, nil, engine.NewError(engine.CodeAPIError, err.Error())
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, nil, engine.NewError(engine.CodeParseError, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || len(parsed.Choices) == 0 {
		return nil, nil, engine.NewError(engine.CodeAPIError, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	return parseDwcJSON(parsed.Choices[0].Message.Content)
}

// parseDwcJSON decodes a model response shaped as
// {"term": {"value": "...", "confidence": 0.9}, ...}. Any parse failure
// results in empty outputs rather than an error, matching the original
// tool's "parsing errors result in empty outputs" contract.
func parseDwcJSON(raw string) (map[string]string, map[string]float64, error) {
	var decoded map[string]struct {
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return map[string]string{}, map[string]float64{}, nil
	}
	fields := make(map[string]string, len(decoded))
	conf := make(map[string]float64, len(decoded))
	for term, v := range decoded {
		fields[term] = v.Value
		conf[term] = v.Confidence
	}
	return fields, conf, nil
}
