package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/november222/onlyyou-sub000/internal/connection"
	"github.com/november222/onlyyou-sub000/internal/constants"
	"github.com/november222/onlyyou-sub000/internal/crypto"
	"github.com/november222/onlyyou-sub000/internal/logger"
	"github.com/november222/onlyyou-sub000/internal/peerlink"
	"github.com/november222/onlyyou-sub000/internal/session"
	"github.com/november222/onlyyou-sub000/internal/signaling"
)

const (
	colorReset  = constants.ColorReset
	colorBold   = constants.ColorBold
	colorDim    = constants.ColorDim
	colorCyan   = constants.ColorCyan
	colorGreen  = constants.ColorGreen
	colorYellow = constants.ColorYellow
	colorRed    = constants.ColorRed
)

func printBanner() {
	fmt.Println()
	fmt.Printf("  %s%sonlyyou%s %sv%s%s\n", colorBold, colorCyan, colorReset, colorBold, constants.Version, colorReset)
	fmt.Printf("  %sPrivate pairing for exactly two%s\n", colorDim, colorReset)
	fmt.Println()
}

func printField(label, value, valueColor string) {
	fmt.Printf("  %s%-12s%s %s%s%s\n", colorDim, label, colorReset, valueColor, value, colorReset)
}

func main() {
	godotenv.Load()

	codeFlag := flag.String("code", "", "room code to join (empty generates a fresh one)")
	forgetFlag := flag.Bool("forget", false, "forget the saved session and exit")
	versionFlag := flag.Bool("version", false, "show version")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("  %s%sonlyyou%s v%s\n", colorBold, colorCyan, colorReset, constants.Version)
		os.Exit(0)
	}

	serverURL := strings.TrimSuffix(constants.GetEnv("ONLYYOU_SERVER", constants.DefaultServerURL), "/")

	store, err := session.NewStore()
	if err != nil {
		fmt.Printf("  %s✗ %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	defer store.Close()

	if *forgetFlag {
		if err := store.ForgetSession(); err != nil {
			fmt.Printf("  %s✗ %v%s\n", colorRed, err, colorReset)
			os.Exit(1)
		}
		fmt.Printf("  %s✓ saved session forgotten%s\n", colorGreen, colorReset)
		os.Exit(0)
	}

	dataDir, err := session.DataDir()
	if err != nil {
		fmt.Printf("  %s✗ %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}

	cryptoCtx, err := crypto.NewContext(dataDir)
	if err != nil {
		fmt.Printf("  %s✗ %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}

	eventLog, err := logger.NewLogger(uuid.New().String())
	if err != nil {
		fmt.Printf("  %s⚠ event log unavailable: %v%s\n", colorYellow, err, colorReset)
		eventLog = nil
	}

	signaler, err := signaling.Dial(serverURL)
	if err != nil {
		fmt.Printf("  %s✗ %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}

	printBanner()

	messages := make(chan string, 16)
	opened := make(chan struct{}, 1)
	var machine *connection.Machine

	factory := func(roomCode string, initiator bool, secret crypto.SharedSecret, sender connection.Sender) (connection.PeerLink, error) {
		return peerlink.New(roomCode, initiator, secret, sender, peerlink.Callbacks{
			OnMessage: func(plaintext []byte) {
				select {
				case messages <- string(plaintext):
				default:
				}
			},
			OnOpen: func() {
				select {
				case opened <- struct{}{}:
				default:
				}
			},
			OnDecryptFailure: func() { machine.ReportDecryptFailure() },
			OnDecryptSuccess: func() { machine.ReportDecryptSuccess() },
		})
	}

	machine = connection.New(signaler, store, cryptoCtx, nil, eventLog, factory)
	if err := machine.Start(); err != nil {
		fmt.Printf("  %s✗ %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	defer machine.Stop()

	code := strings.ToUpper(strings.TrimSpace(*codeFlag))
	if code == "" {
		if saved := machine.Snapshot(); saved.Phase == connection.PhaseReconnecting {
			// A saved session exists; the machine is already rejoining it.
			code = saved.RoomCode
			printField("resuming", code, colorYellow)
		} else {
			code, err = signaling.GenerateRoomCode(serverURL)
			if err != nil {
				fmt.Printf("  %s✗ %v%s\n", colorRed, err, colorReset)
				os.Exit(1)
			}
			printInvite(code)
			if err := machine.JoinRoom(code); err != nil {
				fmt.Printf("  %s✗ %v%s\n", colorRed, err, colorReset)
				os.Exit(1)
			}
		}
	} else {
		if err := machine.JoinRoom(code); err != nil {
			fmt.Printf("  %s✗ %v%s\n", colorRed, err, colorReset)
			os.Exit(1)
		}
	}

	states := machine.Subscribe()

	go readStdin(machine)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// The 1s tick only reads state to refresh the elapsed display.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case state := <-states:
			printState(state)
		case <-opened:
			fmt.Printf("  %s● direct channel open, type to chat%s\n", colorGreen, colorReset)
		case msg := <-messages:
			fmt.Printf("  %s❤ partner:%s %s\n", colorCyan, colorReset, msg)
		case <-ticker.C:
			if machine.Snapshot().Phase == connection.PhaseConnected {
				total, _ := machine.CumulativeConnectedSeconds()
				fmt.Printf("\r  %sconnected %s (total %s)%s ",
					colorDim,
					formatSeconds(machine.ElapsedSessionSeconds()),
					formatSeconds(total),
					colorReset)
			}
		case <-sigChan:
			fmt.Println()
			fmt.Printf("  %s● shutting down...%s\n", colorYellow, colorReset)
			machine.Disconnect()
			time.Sleep(200 * time.Millisecond)
			fmt.Printf("  %s● done%s\n\n", colorGreen, colorReset)
			return
		}
	}
}

// formatSeconds renders a second count as mm:ss, or hh:mm:ss once it
// reaches an hour.
func formatSeconds(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func printInvite(code string) {
	printField("room code", code, colorCyan)
	if qr, err := qrcode.New(code, qrcode.Medium); err == nil {
		fmt.Println(qr.ToSmallString(false))
	}
	fmt.Printf("  %sshare this code with your partner%s\n\n", colorDim, colorReset)
}

func printState(state connection.State) {
	fmt.Println()
	switch state.Phase {
	case connection.PhaseConnecting:
		printField("state", "connecting to "+state.RoomCode, colorYellow)
	case connection.PhaseConnected:
		printField("state", "connected to "+state.RoomCode, colorGreen)
	case connection.PhaseReconnecting:
		printField("state", "reconnecting to "+state.RoomCode, colorYellow)
	case connection.PhaseDisconnected:
		printField("state", "disconnected", colorRed)
	default:
		printField("state", state.Phase.String(), colorReset)
	}
	if state.LastError != "" {
		printField("error", state.LastError, colorRed)
	}
}

// readStdin ships typed lines to the partner over the encrypted channel.
func readStdin(machine *connection.Machine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/forget" {
			machine.ForgetSavedSession()
			fmt.Printf("  %s✓ saved session forgotten%s\n", colorGreen, colorReset)
			continue
		}
		if line == "/drop" {
			machine.ForceDisconnect()
			continue
		}
		if err := machine.SendMessage([]byte(line)); err != nil {
			fmt.Printf("  %s✗ %v%s\n", colorRed, err, colorReset)
		}
	}
}
