package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"nhooyr.io/websocket"

	"github.com/park285/cheese-live/pkg/livedto"
)

func main() {
	baseURL := strings.TrimRight(os.Getenv("LIVE_BASE_URL"), "/")
	gameID := os.Getenv("LIVE_GAME_ID")
	userID := os.Getenv("X_USER_ID")

	if baseURL == "" || gameID == "" {
		log.Fatal("LIVE_BASE_URL and LIVE_GAME_ID are required")
	}

	st, err := fetchState(baseURL, gameID)
	if err != nil {
		log.Printf("GET game error: %v", err)
	} else {
		log.Printf("game ok: status=%s ply=%d side=%s white=%dms black=%dms version=%d",
			st.Status, st.Ply, st.SideToMove, st.Clocks.WhiteMs, st.Clocks.BlackMs, st.Version)
	}

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/games/" + gameID + "/ws"
	window := 10 * time.Second
	if v, err := time.ParseDuration(os.Getenv("LIVE_WATCH")); err == nil && v > 0 {
		window = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	header := http.Header{}
	if userID != "" {
		header.Set("X-User-Id", userID)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		log.Printf("WS connect error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("WS closed: status=%d err=%v", websocket.CloseStatus(err), err)
			}
			return
		}
		var frame livedto.Envelope
		if err := json.Unmarshal(data, &frame); err != nil {
			fmt.Printf("WS raw %s\n", data)
			continue
		}
		fmt.Printf("WS %s %s\n", frame.Type, frame.Payload)
	}
}

func fetchState(baseURL, gameID string) (livedto.GameState, error) {
	var st livedto.GameState
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(baseURL + "/v1/games/" + gameID)
	req.Header.SetMethod(fasthttp.MethodGet)
	if err := fasthttp.DoTimeout(req, resp, 5*time.Second); err != nil {
		return st, err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return st, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.Body())
	}
	if err := json.Unmarshal(resp.Body(), &st); err != nil {
		return st, err
	}
	return st, nil
}
