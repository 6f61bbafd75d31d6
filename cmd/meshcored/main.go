// Command meshcored runs a standalone mesh node: it assembles a
// meshcore.Core from on-disk identity and configuration, starts the BLE
// and Nostr transports, and logs the event stream until interrupted. It
// is modeled on the teacher's main.go/daemon.go: environment-driven log
// level and a minimal flag surface, generalized from a TUN interface
// daemon to a headless mesh node with no kernel device to open. It always
// runs in the foreground; there is no background/daemonize mode.
package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/noisemesh/core/meshcore"
	"github.com/noisemesh/core/noiseprotocol"
	"github.com/noisemesh/core/outbox"
)

const (
	exitSetupSuccess = 0
	exitSetupFailed  = 1
)

func logLevelFromEnv() int {
	switch os.Getenv("MESHCORED_LOG_LEVEL") {
	case "debug":
		return meshcore.LogLevelDebug
	case "info":
		return meshcore.LogLevelInfo
	case "error":
		return meshcore.LogLevelError
	case "silent":
		return meshcore.LogLevelSilent
	}
	return meshcore.LogLevelInfo
}

func main() {
	var (
		identityPath = flag.String("identity", "meshcored.identity", "path to the node's persisted identity")
		outboxPath   = flag.String("outbox", "meshcored.db", "path to the durable outbox database")
		nickname     = flag.String("nickname", "", "nickname to embed in a freshly generated identity")
		relays       = flag.String("relays", "", "comma-separated wss:// Nostr relay URLs to connect to")
		profile      = flag.String("traffic-profile", "normal", "normal, low, or ultra-low")
	)
	flag.Parse()

	logger := meshcore.NewLogger(logLevelFromEnv(), "meshcored: ")

	identity, err := loadOrCreateIdentity(*identityPath, *nickname)
	if err != nil {
		logger.Errorf("failed to load identity: %v", err)
		os.Exit(exitSetupFailed)
	}

	var relayURLs []string
	if *relays != "" {
		for _, url := range strings.Split(*relays, ",") {
			url = strings.TrimSpace(url)
			if url != "" {
				relayURLs = append(relayURLs, url)
			}
		}
	}

	core, err := meshcore.New(meshcore.Config{
		Identity:   identity,
		OutboxPath: *outboxPath,
		RelayURLs:  relayURLs,
		Traffic:    trafficProfileFromFlag(*profile),
		Log:        logger,
	})
	if err != nil {
		logger.Errorf("failed to assemble core: %v", err)
		os.Exit(exitSetupFailed)
	}

	if err := core.Start(); err != nil {
		logger.Errorf("failed to start core: %v", err)
		os.Exit(exitSetupFailed)
	}

	logger.Infof("mesh node running, fingerprint %s", core.Fingerprint())

	go logEvents(logger, core)

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, syscall.SIGINT)
	<-term

	logger.Infof("shutting down")
	core.Stop()
	os.Exit(exitSetupSuccess)
}

func logEvents(logger meshcore.Logger, core *meshcore.Core) {
	for ev := range core.Events() {
		switch ev.Kind {
		case meshcore.EventMessageReceived:
			logger.Infof("message from %s (%d bytes)", ev.PeerID, len(ev.Payload))
		case meshcore.EventPeerAnnounced:
			logger.Infof("peer announced: %s", ev.PeerID)
		case meshcore.EventPeerLeft:
			logger.Infof("peer left: %s", ev.PeerID)
		case meshcore.EventRelayStatus:
			logger.Infof("relay %s status: %v", ev.RelayURL, ev.RelayStat)
		}
	}
}

func trafficProfileFromFlag(s string) outbox.TrafficProfile {
	switch s {
	case "low":
		return outbox.ProfileLow
	case "ultra-low", "ultralow":
		return outbox.ProfileUltraLow
	default:
		return outbox.ProfileNormal
	}
}

// identityFileMagic guards against loading a file written by something
// else as identity material.
const identityFileMagic = "meshcore-identity-v1\n"

func loadOrCreateIdentity(path, nickname string) (*noiseprotocol.Identity, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return decodeIdentity(raw)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id, err := noiseprotocol.NewIdentity(nickname)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, encodeIdentity(id), 0600); err != nil {
		return nil, fmt.Errorf("persisting new identity: %w", err)
	}
	return id, nil
}

func encodeIdentity(id *noiseprotocol.Identity) []byte {
	buf := make([]byte, 0, len(identityFileMagic)+32+64+2+len(id.Nickname))
	buf = append(buf, identityFileMagic...)
	buf = append(buf, id.StaticPrivate[:]...)
	buf = append(buf, id.SigningPrivate...)
	nickLen := len(id.Nickname)
	buf = append(buf, byte(nickLen>>8), byte(nickLen))
	buf = append(buf, id.Nickname...)
	return buf
}

func decodeIdentity(raw []byte) (*noiseprotocol.Identity, error) {
	if len(raw) < len(identityFileMagic)+32+64+2 || string(raw[:len(identityFileMagic)]) != identityFileMagic {
		return nil, fmt.Errorf("identity file is not in the expected format")
	}
	raw = raw[len(identityFileMagic):]

	var sk noiseprotocol.PrivateKey
	copy(sk[:], raw[:32])
	raw = raw[32:]

	signPriv := make(ed25519.PrivateKey, 64)
	copy(signPriv, raw[:64])
	raw = raw[64:]

	nickLen := int(raw[0])<<8 | int(raw[1])
	raw = raw[2:]
	if len(raw) < nickLen {
		return nil, fmt.Errorf("identity file is truncated")
	}
	nickname := string(raw[:nickLen])

	return &noiseprotocol.Identity{
		StaticPrivate:  sk,
		StaticPublic:   sk.Public(),
		SigningPrivate: signPriv,
		SigningPublic:  signPriv.Public().(ed25519.PublicKey),
		Nickname:       nickname,
	}, nil
}
