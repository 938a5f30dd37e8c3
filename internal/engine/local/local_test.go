package local

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/croshq/meetpoint/internal/engine"
)

func videoCaps() engine.Capabilities {
	return engine.Capabilities{Codecs: []webrtc.RTPCodecCapability{{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}}}
}

func TestRouterAdvertisesOpusAndVP8(t *testing.T) {
	eng := New()
	defer eng.Close()

	caps := eng.Router().Capabilities()
	mimes := make([]string, 0, len(caps.Codecs))
	for _, c := range caps.Codecs {
		mimes = append(mimes, c.MimeType)
	}
	require.Contains(t, mimes, webrtc.MimeTypeOpus)
	require.Contains(t, mimes, webrtc.MimeTypeVP8)
}

func TestTransportDescriptorIsComplete(t *testing.T) {
	eng := New()
	defer eng.Close()

	tr, err := eng.Router().CreateTransport(context.Background())
	require.NoError(t, err)

	info := tr.Info()
	require.NotEmpty(t, info.ID)
	require.NotEmpty(t, info.ICEParameters.UsernameFragment)
	require.NotEmpty(t, info.ICEParameters.Password)
	require.True(t, info.ICEParameters.ICELite)
	require.NotEmpty(t, info.ICECandidates)
	require.NotEmpty(t, info.DTLSParameters.Fingerprints)
}

func TestConnectRequiresFingerprints(t *testing.T) {
	eng := New()
	defer eng.Close()
	tr, err := eng.Router().CreateTransport(context.Background())
	require.NoError(t, err)

	require.Error(t, tr.Connect(webrtc.DTLSParameters{}))
	require.Equal(t, engine.StateNew, tr.State())

	require.NoError(t, tr.Connect(tr.Info().DTLSParameters))
	require.Equal(t, engine.StateConnected, tr.State())
}

func TestProduceThenConsumeRoundTrip(t *testing.T) {
	eng := New()
	defer eng.Close()
	router := eng.Router()
	ctx := context.Background()

	sender, err := router.CreateTransport(ctx)
	require.NoError(t, err)
	receiver, err := router.CreateTransport(ctx)
	require.NoError(t, err)

	producer, err := sender.Produce(engine.KindVideo, engine.RTPParameters{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000})
	require.NoError(t, err)
	require.True(t, router.CanConsume(producer.ID(), videoCaps()))

	consumer, err := receiver.Consume(producer.ID(), videoCaps())
	require.NoError(t, err)
	require.Equal(t, producer.ID(), consumer.ProducerID())
	require.Equal(t, engine.KindVideo, consumer.Kind())
	require.Equal(t, webrtc.MimeTypeVP8, consumer.RTPParameters().MimeType)
	require.NoError(t, consumer.Resume())
}

func TestCanConsumeRejectsKindMismatch(t *testing.T) {
	eng := New()
	defer eng.Close()
	router := eng.Router()

	sender, err := router.CreateTransport(context.Background())
	require.NoError(t, err)
	producer, err := sender.Produce(engine.KindAudio, engine.RTPParameters{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000})
	require.NoError(t, err)

	require.False(t, router.CanConsume(producer.ID(), videoCaps()))
	require.False(t, router.CanConsume("unknown-producer", videoCaps()))
}

func TestConsumeUnknownProducerFails(t *testing.T) {
	eng := New()
	defer eng.Close()
	tr, err := eng.Router().CreateTransport(context.Background())
	require.NoError(t, err)

	_, err = tr.Consume("nope", videoCaps())
	require.ErrorIs(t, err, engine.ErrProducerNotFound)
}

func TestCloseCascadesAndUnregisters(t *testing.T) {
	eng := New()
	defer eng.Close()
	router := eng.Router()

	tr, err := router.CreateTransport(context.Background())
	require.NoError(t, err)
	producer, err := tr.Produce(engine.KindVideo, engine.RTPParameters{MimeType: webrtc.MimeTypeVP8})
	require.NoError(t, err)

	tr.Close()
	require.True(t, producer.Closed())
	require.False(t, router.CanConsume(producer.ID(), videoCaps()))

	_, err = tr.Produce(engine.KindVideo, engine.RTPParameters{})
	require.ErrorIs(t, err, engine.ErrTransportClosed)
}

func TestRestartICEIssuesFreshParameters(t *testing.T) {
	eng := New()
	defer eng.Close()
	tr, err := eng.Router().CreateTransport(context.Background())
	require.NoError(t, err)

	before := tr.Info().ICEParameters
	after, err := tr.RestartICE()
	require.NoError(t, err)
	require.NotEqual(t, before.UsernameFragment, after.UsernameFragment)
	require.NotEqual(t, before.Password, after.Password)
}

func TestKillSignalsWorkerDeathOnce(t *testing.T) {
	eng := New()
	boom := errors.New("worker crashed")
	eng.Kill(boom)
	eng.Kill(errors.New("second kill ignored"))

	err, ok := <-eng.Died()
	require.True(t, ok)
	require.ErrorIs(t, err, boom)
	_, ok = <-eng.Died()
	require.False(t, ok)
}
