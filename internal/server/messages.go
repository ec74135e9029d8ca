package server

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/acheong08/npm-sentinel/internal/review"
	"github.com/acheong08/npm-sentinel/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Client -> Server
	TypeScan MessageType = "scan" // Client asks for a package to be scanned
	TypePing MessageType = "ping" // Keep-alive

	// Server -> Client
	TypeProgress MessageType = "progress" // Stage updates for a running scan
	TypeLog      MessageType = "log"      // Log lines for the client terminal
	TypeResult   MessageType = "result"   // Finished AnalysisResult
	TypeReview   MessageType = "review"   // Model assessment, when enabled
	TypeComplete MessageType = "complete" // Scan finished, successfully or not
	TypeError    MessageType = "error"    // Error message
	TypePong     MessageType = "pong"
)

// Message is the base WebSocket message structure
type Message struct {
	Type    MessageType         `json:"type"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
}

// ScanRequest is the body of POST /api/npm/scan and the payload of a scan message
type ScanRequest struct {
	PackageName string `json:"packageName"`
	Version     string `json:"version,omitempty"`
}

// ScanResponse is the body returned by POST /api/npm/scan
type ScanResponse struct {
	Success bool                   `json:"success"`
	ScanID  string                 `json:"scanId,omitempty"`
	Report  *models.AnalysisResult `json:"report,omitempty"`
	Review  *review.Assessment     `json:"review,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// ProgressPayload for progress bar updates
type ProgressPayload struct {
	ScanID  string `json:"scanId"`
	Percent int    `json:"percent"` // 0-100
	Stage   string `json:"stage"`   // "resolve", "scan", "review"
	Message string `json:"message"` // Human-readable status
}

// LogPayload for terminal output
type LogPayload struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"` // "info", "success", "warning", "error"
}

// ResultPayload carries a finished scan
type ResultPayload struct {
	ScanID string                `json:"scanId"`
	Report models.AnalysisResult `json:"report"`
}

// ReviewPayload carries the model assessment of a scan
type ReviewPayload struct {
	ScanID     string            `json:"scanId"`
	Assessment review.Assessment `json:"assessment"`
}

// CompletePayload sent when a scan is done
type CompletePayload struct {
	ScanID  string `json:"scanId"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorPayload for error messages
type ErrorPayload struct {
	ScanID  string `json:"scanId,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func newMessage(t MessageType, payload any) Message {
	payloadBytes, _ := json.Marshal(payload)
	return Message{Type: t, Payload: payloadBytes}
}

func NewProgressMessage(scanID string, percent int, stage, message string) Message {
	return newMessage(TypeProgress, ProgressPayload{
		ScanID:  scanID,
		Percent: percent,
		Stage:   stage,
		Message: message,
	})
}

func NewLogMessage(message, level string) Message {
	return newMessage(TypeLog, LogPayload{Message: message, Level: level})
}

func NewResultMessage(scanID string, report models.AnalysisResult) Message {
	return newMessage(TypeResult, ResultPayload{ScanID: scanID, Report: report})
}

func NewReviewMessage(scanID string, assessment review.Assessment) Message {
	return newMessage(TypeReview, ReviewPayload{ScanID: scanID, Assessment: assessment})
}

func NewCompleteMessage(scanID string, success bool, message string) Message {
	return newMessage(TypeComplete, CompletePayload{ScanID: scanID, Success: success, Message: message})
}

func NewErrorMessage(scanID, message string, err error) Message {
	errMsg := message
	if err != nil {
		errMsg = fmt.Sprintf("%s: %v", message, err)
	}
	return newMessage(TypeError, ErrorPayload{ScanID: scanID, Message: errMsg})
}

func NewPongMessage() Message {
	return Message{Type: TypePong}
}

// ParseScanRequest extracts the scan request from a message payload and
// resolves "name@version" shorthand
func ParseScanRequest(data []byte) (models.Package, error) {
	var req ScanRequest
	if len(data) == 0 {
		return models.Package{}, fmt.Errorf("package name is required")
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return models.Package{}, fmt.Errorf("failed to parse scan request: %w", err)
	}
	return req.Package()
}

// Package validates the request
func (r ScanRequest) Package() (models.Package, error) {
	if r.PackageName == "" {
		return models.Package{}, fmt.Errorf("package name is required")
	}
	pkg, err := models.ParseSpec(r.PackageName)
	if err != nil {
		return models.Package{}, err
	}
	if r.Version != "" {
		pkg = models.NewPackage(pkg.Name, r.Version)
	}
	return pkg, nil
}
