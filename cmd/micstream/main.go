// Живой стриминг с микрофона в бэкенд.
// Захватывает 16kHz моно через miniaudio и шлёт PCM по WebSocket.
//
// Запуск: go run ./cmd/micstream -owner user-1
// Остановка: Ctrl+C
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/gorilla/websocket"
)

const sampleRate = 16000

func main() {
	server := flag.String("server", "localhost:8080", "Backend host:port")
	language := flag.String("language", "ru-RU", "Primary language")
	owner := flag.String("owner", "", "Owner user id (enables escalation alerts)")
	speakers := flag.String("speakers", "", "Comma-separated known speaker ids")
	flag.Parse()

	var known []string
	if *speakers != "" {
		known = strings.Split(*speakers, ",")
	}

	sessionID, err := createSession(*server, *language, *owner, known)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	log.Printf("Session %s created", sessionID)

	conn, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("ws://%s/ws?session=%s", *server, sessionID), nil)
	if err != nil {
		log.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go printEvents(conn, done)

	// Инициализируем miniaudio
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatalf("Failed to init audio context: %v", err)
	}
	defer mctx.Uninit()
	defer mctx.Free()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	var writeMu sync.Mutex
	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		n := int(framecount)
		if len(pInputSamples) != n*4 {
			return
		}
		// float32 -> PCM16 LE
		pcm := make([]byte, n*2)
		for i := 0; i < n; i++ {
			bits := binary.LittleEndian.Uint32(pInputSamples[i*4:])
			v := math.Float32frombits(bits)
			if v > 1.0 {
				v = 1.0
			} else if v < -1.0 {
				v = -1.0
			}
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*32767)))
		}
		writeMu.Lock()
		conn.WriteMessage(websocket.BinaryMessage, pcm)
		writeMu.Unlock()
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		log.Fatalf("Failed to init capture device: %v", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatalf("Failed to start capture: %v", err)
	}
	log.Println("Streaming microphone, Ctrl+C to stop...")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Stopping...")
	device.Stop()

	writeMu.Lock()
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`))
	writeMu.Unlock()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Println("Timed out waiting for final events")
	}
}

func createSession(server, language, owner string, speakers []string) (string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"language":      language,
		"ownerId":       owner,
		"knownSpeakers": speakers,
	})
	resp, err := http.Post("http://"+server+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, data)
	}
	var created struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", err
	}
	return created.SessionID, nil
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
			if b, _ := msg["isFinal"].(bool); !b {
				continue
			}
			fmt.Printf("#%v %v\n", msg["segmentId"], msg["text"])
		case "speaker_resolved":
			fmt.Printf("  #%v -> %v (%v)\n", msg["segmentId"], msg["speaker"], msg["source"])
		case "escalation":
			fmt.Printf("  !! ESCALATION [%v]: %v\n", msg["severity"], msg["reason"])
		case "error":
			fmt.Printf("  error: %v\n", msg["error"])
		}
	}
}
