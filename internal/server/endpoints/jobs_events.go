package endpoints

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/medscan/medscan/internal/api"
	"github.com/medscan/medscan/internal/hub"
	"github.com/medscan/medscan/internal/pipeline"
	"github.com/medscan/medscan/internal/svcctx"
)

// JobEventsEndpoint handles GET /api/jobs/{id}/events, streaming status
// updates as server-sent events. The first event is a catch-up snapshot
// of the job's current state; observers deduplicate on sequence.
type JobEventsEndpoint struct{}

func (e *JobEventsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}/events", e.handler
}

func (e *JobEventsEndpoint) RequiresInit() bool { return true }

func (e *JobEventsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	s := svcctx.ServicesFrom(r.Context())
	job, err := s.Store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	buffer := hub.DefaultSubscriberBuffer
	if cm := s.ConfigManager; cm != nil {
		buffer = cm.Get().Hub.SubscriberBuffer
	}
	sub := hub.NewSubscriber(buffer)
	s.Hub.Subscribe(sub, id, s.Coordinator.Event(job, "current state"))
	defer s.Hub.OnDisconnect(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (e *JobEventsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Short: "Stream live status events for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			body, err := client.Stream(cmd.Context(), "/api/jobs/"+args[0]+"/events")
			if err != nil {
				return err
			}
			defer body.Close()

			scanner := bufio.NewScanner(body)
			for scanner.Scan() {
				line := scanner.Text()
				if !strings.HasPrefix(line, "data: ") {
					continue
				}
				var ev hub.Event
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
					continue
				}
				progress := ""
				if ev.Progress != nil {
					progress = fmt.Sprintf(" %3.0f%%", *ev.Progress*100)
				}
				fmt.Printf("[%d] %s%s %s\n", ev.Sequence, ev.Status, progress, ev.Message)
				if ev.Terminal() {
					return nil
				}
			}
			return scanner.Err()
		},
	}
}
