package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
)

func ExampleNewServer() {
	server := NewServer(Config{}, Deps{})

	doc := `{"width":400,"height":200,"elements":[{"type":"button","layout":{"x":150,"y":80,"width":100,"height":40},"label":"Click Me!"}]}`
	body, _ := json.Marshal(map[string]string{"dsl_content": doc})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var resp validateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		fmt.Println("decode:", err)
		return
	}
	fmt.Println(rec.Code, resp.Valid, len(resp.Errors))
	// Output: 200 true 0
}
