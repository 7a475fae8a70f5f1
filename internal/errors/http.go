package errors

import (
	"encoding/json"
	"net/http"
)

// Body 是错误响应的统一结构。
type Body struct {
	Code     Code              `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WriteJSON 将错误序列化为 {"error": {...}} 并写入响应。
func WriteJSON(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	body := Body{Code: CodeUnknown, Message: AttributesOf(CodeUnknown).Message}
	if e, ok := From(err); ok {
		body.Code = e.Code()
		body.Message = e.Message()
		body.Metadata = e.Metadata()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error Body `json:"error"`
	}{Error: body})
}
