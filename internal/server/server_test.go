package server

import (
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"glimpse/internal/capture"
	"glimpse/internal/pixfmt"
	"glimpse/internal/session"
)

const token = "s3cret"

func newCasterServer(t *testing.T) (*session.Caster, *httptest.Server) {
	t.Helper()
	c, err := session.NewCaster(session.CasterConfig{
		Listen: "127.0.0.1:0",
		Target: capture.NewSynthetic(40, 20, pixfmt.RGBA, [4]byte{0, 128, 255, 255}),
		FPS:    100,
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(New(c, Config{Token: token}).Handler())
	t.Cleanup(func() {
		ts.Close()
		c.Close()
	})
	return c, ts
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeStatus(t *testing.T, resp *http.Response) session.Status {
	t.Helper()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code %d", resp.StatusCode)
	}
	var st session.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestRequiresToken(t *testing.T) {
	_, ts := newCasterServer(t)
	for _, path := range []string{"/status", "/debug/frame", "/events"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestShareLifecycle(t *testing.T) {
	_, ts := newCasterServer(t)

	st := decodeStatus(t, do(t, http.MethodGet, ts.URL+"/status"))
	if st.Role != session.RoleCaster || st.Running {
		t.Fatalf("initial status = %+v", st)
	}

	st = decodeStatus(t, do(t, http.MethodPost, ts.URL+"/share"))
	if !st.Running {
		t.Fatal("not running after POST /share")
	}

	st = decodeStatus(t, do(t, http.MethodDelete, ts.URL+"/share"))
	if st.Running || !st.JustStopped {
		t.Fatalf("status after DELETE /share = %+v", st)
	}
}

func TestShareRegion(t *testing.T) {
	_, ts := newCasterServer(t)

	st := decodeStatus(t, do(t, http.MethodPost, ts.URL+"/share?x0=0&y0=0&x1=500&y1=500"))
	if st.Region == nil || st.Region.X1 != 500 {
		t.Errorf("region = %v", st.Region)
	}

	for _, q := range []string{"x0=1", "x0=a&y0=0&x1=1&y1=1"} {
		if resp := do(t, http.MethodPost, ts.URL+"/share?"+q); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("POST /share?%s = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestBlank(t *testing.T) {
	_, ts := newCasterServer(t)
	st := decodeStatus(t, do(t, http.MethodPost, ts.URL+"/blank?on=true"))
	if !st.Blanked {
		t.Error("not blanked")
	}
	st = decodeStatus(t, do(t, http.MethodPost, ts.URL+"/blank?on=false"))
	if st.Blanked {
		t.Error("still blanked")
	}
	if resp := do(t, http.MethodPost, ts.URL+"/blank?on=maybe"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad on value = %d, want 400", resp.StatusCode)
	}
}

func TestBlankNeedsCaster(t *testing.T) {
	r := session.NewReceiver(session.ReceiverConfig{Caster: "127.0.0.1:1"})
	defer r.Close()
	ts := httptest.NewServer(New(r, Config{}).Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/blank?on=true", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST /blank on a receiver = %d, want 400", resp.StatusCode)
	}
}

func TestDebugFrame(t *testing.T) {
	c, ts := newCasterServer(t)
	if resp := do(t, http.MethodGet, ts.URL+"/debug/frame"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("debug frame before sharing = %d, want 404", resp.StatusCode)
	}

	do(t, http.MethodPost, ts.URL+"/share")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := c.LatestFrame(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no frame captured")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := do(t, http.MethodGet, ts.URL+"/debug/frame")
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Errorf("debug frame is %v, want 40x20", b)
	}

	resp = do(t, http.MethodGet, ts.URL+"/debug/frame?width=10")
	img, err = png.Decode(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 10 || b.Dy() != 5 {
		t.Errorf("scaled debug frame is %v, want 10x5", b)
	}
	if r, g, b, _ := img.At(5, 2).RGBA(); r>>8 != 0 || g>>8 != 128 || b>>8 != 255 {
		t.Errorf("scaled pixel = %d,%d,%d", r>>8, g>>8, b>>8)
	}
}

func TestDebugFrameWhileBlanked(t *testing.T) {
	c, ts := newCasterServer(t)
	do(t, http.MethodPost, ts.URL+"/blank?on=true")
	do(t, http.MethodPost, ts.URL+"/share")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := c.LatestFrame(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no frame captured")
		}
		time.Sleep(5 * time.Millisecond)
	}

	img, err := png.Decode(do(t, http.MethodGet, ts.URL+"/debug/frame").Body)
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if r, g, bl, _ := img.At(x, y).RGBA(); r>>8 == 0 && g>>8 == 128 && bl>>8 == 255 {
				t.Fatalf("pixel %d,%d is a source pixel", x, y)
			}
		}
	}
}

func TestEventsWebsocket(t *testing.T) {
	_, ts := newCasterServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	do(t, http.MethodPost, ts.URL+"/share")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev session.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatal(err)
		}
		if ev.Kind == session.EventFrameSent {
			if ev.Width != 40 || ev.Height != 20 {
				t.Errorf("frame event = %+v", ev)
			}
			return
		}
	}
}
