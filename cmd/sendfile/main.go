// Прогон MP3 файла через бэкенд в реальном времени.
// Декодирует файл, ресемплит в 16kHz моно и шлёт PCM чанками по
// WebSocket, печатая события транскрипции и атрибуции.
//
// Запуск: go run ./cmd/sendfile -file call.mp3 -owner user-1
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	mp3 "github.com/hajimehoshi/go-mp3"
)

const (
	targetRate = 16000
	chunkMs    = 100
)

func main() {
	server := flag.String("server", "localhost:8080", "Backend host:port")
	file := flag.String("file", "", "Path to MP3 file")
	language := flag.String("language", "ru-RU", "Primary language")
	owner := flag.String("owner", "", "Owner user id (enables escalation alerts)")
	speakers := flag.String("speakers", "", "Comma-separated known speaker ids")
	realtime := flag.Bool("realtime", true, "Pace chunks at real time")
	flag.Parse()

	if *file == "" {
		log.Fatal("Usage: sendfile -file <path.mp3> [-owner user-1] [-speakers user-1,user-2]")
	}

	samples, err := decodeMP3(*file)
	if err != nil {
		log.Fatalf("Failed to decode %s: %v", *file, err)
	}
	log.Printf("Decoded %s: %.1f sec at %d Hz", *file, float64(len(samples))/targetRate, targetRate)

	var known []string
	if *speakers != "" {
		known = strings.Split(*speakers, ",")
	}

	sessionID, diarized, err := createSession(*server, *language, *owner, known)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	log.Printf("Session %s created, diarization=%s", sessionID, diarized)

	conn, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("ws://%s/ws?session=%s", *server, sessionID), nil)
	if err != nil {
		log.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go printEvents(conn, done)

	// Шлём 100мс чанки, как это делал бы живой микрофон
	chunkSamples := targetRate * chunkMs / 1000
	ticker := time.NewTicker(chunkMs * time.Millisecond)
	defer ticker.Stop()

	for off := 0; off < len(samples); off += chunkSamples {
		end := off + chunkSamples
		if end > len(samples) {
			end = len(samples)
		}
		buf := make([]byte, (end-off)*2)
		for i, s := range samples[off:end] {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
			log.Fatalf("Write failed: %v", err)
		}
		if *realtime {
			<-ticker.C
		}
	}

	log.Println("File sent, stopping session...")
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`))

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Println("Timed out waiting for final events")
	}
}

// decodeMP3 декодирует файл в 16kHz моно int16
func decodeMP3(path string) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("mp3 decoder: %w", err)
	}

	// go-mp3 всегда отдаёт 16-bit стерео на частоте файла
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("mp3 read: %w", err)
	}

	frames := len(raw) / 4
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		l := int16(binary.LittleEndian.Uint16(raw[i*4:]))
		r := int16(binary.LittleEndian.Uint16(raw[i*4+2:]))
		mono[i] = int16((int32(l) + int32(r)) / 2)
	}

	return resample(mono, dec.SampleRate(), targetRate), nil
}

// resample линейная интерполяция, для тестового клиента достаточно
func resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		return samples
	}
	ratio := float64(fromRate) / float64(toRate)
	out := make([]int16, int(float64(len(samples))/ratio))
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		if idx+1 < len(samples) {
			out[i] = int16(float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac)
		} else if idx < len(samples) {
			out[i] = samples[idx]
		}
	}
	return out
}

func createSession(server, language, owner string, speakers []string) (string, string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"language":      language,
		"ownerId":       owner,
		"knownSpeakers": speakers,
	})
	resp, err := http.Post("http://"+server+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", "", fmt.Errorf("status %d: %s", resp.StatusCode, data)
	}
	var created struct {
		SessionID string `json:"sessionId"`
		Diarized  string `json:"diarization"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", "", err
	}
	return created.SessionID, created.Diarized, nil
}

func printEvents(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg["type"] {
		case "transcript":
			marker := " …"
			if b, _ := msg["isFinal"].(bool); b {
				marker = ""
			}
			fmt.Printf("[%6.0fms] #%v%s %v\n", num(msg["startMs"]), msg["segmentId"], marker, msg["text"])
		case "speaker_resolved":
			fmt.Printf("          #%v -> %v (%v, conf=%.2f)\n",
				msg["segmentId"], msg["speaker"], msg["source"], num(msg["confidence"]))
		case "escalation":
			fmt.Printf("  !! ESCALATION [%v]: %v\n", msg["severity"], msg["reason"])
		case "error":
			fmt.Printf("  error: %v\n", msg["error"])
		}
	}
}

func num(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
