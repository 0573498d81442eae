package logutil

import (
    "bytes"
    "encoding/json"
    "log"
    "strings"
    "testing"
)

func TestLogf_TextAndJSON(t *testing.T) {
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)

    SetJSON(false)
    Infof(l, "registered=%d", 3)
    if got := buf.String(); !strings.HasPrefix(got, "INFO registered=3") {
        t.Fatalf("text line = %q", got)
    }

    buf.Reset()
    SetJSON(true)
    defer SetJSON(false)
    Warnf(l, "required=%d", 5)
    var evt map[string]any
    if err := json.Unmarshal(buf.Bytes(), &evt); err != nil {
        t.Fatalf("json line %q: %v", buf.String(), err)
    }
    if evt["level"] != "warn" || evt["msg"] != "required=5" {
        t.Fatalf("unexpected event: %v", evt)
    }
}

func TestDebugf_DisabledByDefault(t *testing.T) {
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)
    SetDebug(false)
    Debugf(l, "hidden")
    if buf.Len() != 0 { t.Fatalf("debug output while disabled: %q", buf.String()) }
    SetDebug(true)
    defer SetDebug(false)
    Debugf(l, "shown")
    if !strings.Contains(buf.String(), "DEBUG shown") { t.Fatalf("debug line = %q", buf.String()) }
}
