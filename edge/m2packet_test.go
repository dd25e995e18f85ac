package edge

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	p8 "github.com/P-8-project/P-8"
)

func buildRequestMessage(sender, id, path string, headers map[string]string, body string) []byte {
	hdrJSON, _ := json.Marshal(headers)
	return []byte(fmt.Sprintf("%s %s %s %d:%s,%d:%s,", sender, id, path, len(hdrJSON), hdrJSON, len(body), body))
}

func TestParseRequest(t *testing.T) {
	msg := buildRequestMessage("srv1", "17", "/x", map[string]string{
		"METHOD":  "GET",
		"VERSION": "HTTP/1.1",
		"URI":     "/x",
		"Host":    "a",
		"Accept":  "*/*",
	}, "")

	r, err := ParseRequest(msg)
	assert.NoError(t, err)
	assert.Equal(t, "srv1", r.Sender)
	assert.Equal(t, "17", r.ID)
	assert.Equal(t, "/x", r.Path)
	assert.Equal(t, "GET", r.Method)
	assert.Equal(t, "HTTP/1.1", r.Version)
	assert.Equal(t, "/x", r.URI)
	assert.Equal(t, "a", r.Headers.Get("Host"))
	assert.Equal(t, "*/*", r.Headers.Get("Accept"))
	assert.False(t, r.Disconnect)
}

func TestParseRequestDisconnect(t *testing.T) {
	body := `{"type":"disconnect"}`
	msg := buildRequestMessage("srv1", "17", "@*", map[string]string{
		"METHOD": "JSON",
	}, body)

	r, err := ParseRequest(msg)
	assert.NoError(t, err)
	assert.True(t, r.Disconnect)
}

func TestParseRequestBody(t *testing.T) {
	msg := buildRequestMessage("srv1", "18", "/post", map[string]string{
		"METHOD":  "POST",
		"VERSION": "HTTP/1.1",
		"URI":     "/post",
		"Host":    "a",
	}, "payload")

	r, err := ParseRequest(msg)
	assert.NoError(t, err)
	assert.Equal(t, []byte("payload"), r.Body)
}

func TestParseRequestInvalid(t *testing.T) {
	for _, input := range []string{
		"",
		"nospace",
		"a b",
		"a b c not-a-netstring",
		"a b c 5:xx,0:,",
	} {
		_, err := ParseRequest([]byte(input))
		assert.Error(t, err, "input %q", input)
	}
}

func TestBuildResponse(t *testing.T) {
	out := BuildResponse("srv1", "17", []byte("HTTP/1.1 200 OK\r\n\r\n"))
	assert.Equal(t, "srv1 2:17, HTTP/1.1 200 OK\r\n\r\n", string(out))
}

func TestBuildClose(t *testing.T) {
	out := BuildClose("srv1", "17")
	assert.Equal(t, "srv1 2:17, ", string(out))
}

func TestBuildControl(t *testing.T) {
	out, err := BuildControl("srv1", "17", Control{Credits: 1024, KeepAlive: true})
	assert.NoError(t, err)
	assert.Equal(t, "srv1 X 17 ", string(out[:10]))

	v, _, err := p8.TnetDecode(out[10:])
	assert.NoError(t, err)
	m := v.(map[string]interface{})
	assert.Equal(t, int64(1024), m["credits"])
	assert.Equal(t, true, m["keep-alive"])
}
