// Command tracker simulates a field participant: it enrolls, joins a room,
// walks a path and reports throttled positions while mirroring room state.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"eventsync/internal/client"
	"eventsync/internal/geofence"
	"eventsync/internal/model"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	flags := pflag.NewFlagSet("tracker", pflag.ExitOnError)
	flags.String("server", "http://localhost:8081", "API base URL")
	flags.String("room", "BCS-2024", "room to join")
	flags.String("id", "", "participant id (required)")
	flags.String("name", "", "display name, defaults to the id")
	flags.String("department", "Volunteers", "department")
	flags.String("role", string(model.RoleMember), "ADMIN or MEMBER")
	flags.String("enroll-key", "", "X-Enroll-Key for token issuance")
	flags.String("path", "18.5194,73.8150;18.5210,73.8165;18.5260,73.8200", "waypoints as lat,lng;lat,lng")
	flags.Int("steps", 20, "samples per path leg")
	flags.Duration("tick", 2*time.Second, "time between samples")
	_ = flags.Parse(os.Args[1:])

	v := viper.New()
	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)

	id := v.GetString("id")
	if id == "" {
		log.Fatal().Msg("--id is required")
	}
	name := v.GetString("name")
	if name == "" {
		name = id
	}
	waypoints, err := parsePath(v.GetString("path"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid --path")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := strings.TrimRight(v.GetString("server"), "/")
	room := v.GetString("room")
	token, err := client.Enroll(ctx, &http.Client{Timeout: 10 * time.Second}, server, v.GetString("enroll-key"), room, id, &client.Profile{
		Name:       name,
		Department: v.GetString("department"),
		Role:       model.Role(v.GetString("role")),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("enroll failed")
	}

	wsURL := "ws" + strings.TrimPrefix(server, "http") + "/ws"
	c, err := client.Dial(ctx, wsURL, token, client.WithListener(func(env model.Envelope) {
		log.Debug().Str("type", string(env.Type)).Msg("envelope")
	}))
	if err != nil {
		log.Fatal().Err(err).Msg("dial failed")
	}
	defer c.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	if err := c.Join(room, model.Participant{ID: id, Name: name, Department: v.GetString("department")}); err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}
	log.Info().Str("room", room).Str("participant", id).Msg("joined")

	tick := v.GetDuration("tick")
	route := client.Walk(waypoints, v.GetInt("steps"), time.Now(), tick)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for i := 0; i < len(route); {
		select {
		case <-ctx.Done():
			log.Info().Msg("interrupted")
			return
		case err := <-runErr:
			log.Error().Err(err).Msg("connection lost")
			return
		case <-ticker.C:
			pt := route[i]
			pt.Timestamp = time.Now().UnixMilli()
			sent, err := c.ReportLocation(pt)
			if err != nil {
				log.Warn().Err(err).Msg("report failed")
				continue
			}
			i++
			summarize(c, id, sent)
		}
	}
	log.Info().Int("samples", len(route)).Msg("path complete")
}

func summarize(c *client.Client, self string, sent bool) {
	st := c.State()
	online, inside := 0, 0
	for _, p := range st.Participants {
		if p.Status == model.Online {
			online++
		}
		if p.InsideGeofence {
			inside++
		}
	}
	me := st.Participants[self]
	log.Info().
		Bool("sent", sent).
		Bool("inside", me.InsideGeofence).
		Int("online", online).
		Int("inside_total", inside).
		Int("messages", len(st.Messages)).
		Msg("tick")
}

func parsePath(s string) ([]geofence.Point, error) {
	var out []geofence.Point
	for _, pair := range strings.Split(s, ";") {
		lat, lng, ok := strings.Cut(strings.TrimSpace(pair), ",")
		if !ok {
			return nil, fmt.Errorf("waypoint %q: want lat,lng", pair)
		}
		la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
		if err != nil {
			return nil, fmt.Errorf("waypoint %q: %w", pair, err)
		}
		ln, err := strconv.ParseFloat(strings.TrimSpace(lng), 64)
		if err != nil {
			return nil, fmt.Errorf("waypoint %q: %w", pair, err)
		}
		out = append(out, geofence.Point{Lat: la, Lng: ln})
	}
	return out, nil
}
