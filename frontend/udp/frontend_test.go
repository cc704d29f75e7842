package udp_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/tracker/bittorrent"
	"github.com/chihaya/tracker/frontend/udp"
)

// stubLogic is the minimal frontend.TrackerLogic needed to exercise a
// Frontend's start/stop lifecycle without pulling in the full middleware
// orchestrator.
type stubLogic struct{}

func (stubLogic) HandleAnnounce(context.Context, *bittorrent.AnnounceRequest) (*bittorrent.AnnounceResponse, error) {
	return &bittorrent.AnnounceResponse{}, nil
}
func (stubLogic) AfterAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse) {
}
func (stubLogic) HandleScrape(context.Context, *bittorrent.ScrapeRequest) (*bittorrent.ScrapeResponse, error) {
	return &bittorrent.ScrapeResponse{}, nil
}
func (stubLogic) AfterScrape(context.Context, *bittorrent.ScrapeRequest, *bittorrent.ScrapeResponse) {
}

func TestStartStopRace(t *testing.T) {
	fe, err := udp.NewFrontend(stubLogic{}, udp.Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	result := fe.Stop()
	err, ok := <-result
	require.False(t, ok, "a clean shutdown closes the Result channel without sending an error")
	require.NoError(t, err)
}
