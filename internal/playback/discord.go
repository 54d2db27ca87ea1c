package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/MrWong99/castvoice/internal/engine"
	"github.com/MrWong99/castvoice/internal/observe"
	"github.com/MrWong99/castvoice/pkg/audio"
)

// Discord voice carries 48 kHz stereo Opus in 20 ms frames.
const (
	discordRate      = 48000
	discordChannels  = 2
	discordFrameSize = discordRate * 20 / 1000 // samples per channel

	defaultDiscordQueue = 4
)

// ErrDiscordBusy is returned by [Discord.Play] when the voice queue is full.
var ErrDiscordBusy = errors.New("playback: discord voice queue full")

// DiscordConfig selects the voice channel a [Discord] sink joins.
type DiscordConfig struct {
	Token     string
	GuildID   string
	ChannelID string

	// Speaker limits the sink to one speaker. Empty plays every speaker.
	Speaker string

	// QueueSize is how many clips may wait for the channel. Default: 4.
	QueueSize int
}

// Discord is an [engine.Sink] that speaks accepted clips into a Discord voice
// channel. Clips play one after another; Play only queues them.
type Discord struct {
	speaker string

	send       chan<- []byte
	speaking   func(bool) error
	disconnect func() error

	queue     chan audio.Clip
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ engine.Sink = (*Discord)(nil)

// DialDiscord opens a bot session and joins the configured voice channel.
// ctx bounds the setup only; the sink lives until [Discord.Close].
func DialDiscord(ctx context.Context, cfg DiscordConfig) (*Discord, error) {
	if cfg.Token == "" || cfg.GuildID == "" || cfg.ChannelID == "" {
		return nil, errors.New("playback: discord needs token, guild_id and channel_id")
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("playback: discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildVoiceStates
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("playback: discord open: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = s.Close()
		return nil, err
	}
	// Join muted=false so we can talk, deaf=true since nothing is received.
	vc, err := s.ChannelVoiceJoin(cfg.GuildID, cfg.ChannelID, false, true)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("playback: join voice channel %q: %w", cfg.ChannelID, err)
	}
	observe.Logger(ctx).Info("discord voice channel joined", "guild", cfg.GuildID, "channel", cfg.ChannelID)

	return newDiscord(cfg, vc.OpusSend, vc.Speaking, func() error {
		return errors.Join(vc.Disconnect(), s.Close())
	})
}

func newDiscord(cfg DiscordConfig, send chan<- []byte, speaking func(bool) error, disconnect func() error) (*Discord, error) {
	enc, err := gopus.NewEncoder(discordRate, discordChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("playback: create discord opus encoder: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultDiscordQueue
	}
	d := &Discord{
		speaker:    cfg.Speaker,
		send:       send,
		speaking:   speaking,
		disconnect: disconnect,
		queue:      make(chan audio.Clip, cfg.QueueSize),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	go d.sendLoop(enc)
	return d, nil
}

// Play queues clip for the voice channel. It fails with [ErrDiscordBusy]
// instead of blocking when the channel is behind.
func (d *Discord) Play(ctx context.Context, speaker string, clip audio.Clip) error {
	if d.speaker != "" && speaker != d.speaker {
		return nil
	}
	select {
	case <-d.done:
		return nil
	default:
	}
	select {
	case d.queue <- clip:
		return nil
	default:
		observe.Logger(ctx).Warn("discord voice queue full, dropping clip", "speaker", speaker, "clip_id", clip.ID())
		return ErrDiscordBusy
	}
}

// Close leaves the voice channel. It is safe to call more than once.
func (d *Discord) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		<-d.loopDone
		if d.disconnect != nil {
			d.closeErr = d.disconnect()
		}
	})
	return d.closeErr
}

// sendLoop encodes queued clips and feeds the voice connection, which paces
// the packets itself. The speaking flag is raised for each run of clips.
func (d *Discord) sendLoop(enc *gopus.Encoder) {
	defer close(d.loopDone)
	talking := false
	setSpeaking := func(b bool) {
		if talking == b {
			return
		}
		talking = b
		if err := d.speaking(b); err != nil {
			observe.Logger(context.Background()).Warn("discord speaking update failed", "speaking", b, "err", err)
		}
	}
	defer setSpeaking(false)

	for {
		var clip audio.Clip
		select {
		case <-d.done:
			return
		case clip = <-d.queue:
		}
		setSpeaking(true)
		for _, frame := range discordFrames(clip) {
			pkt, err := enc.Encode(frame, discordFrameSize, maxPacketBytes)
			if err != nil {
				observe.Logger(context.Background()).Warn("discord opus encode failed", "clip_id", clip.ID(), "err", err)
				break
			}
			select {
			case d.send <- pkt:
			case <-d.done:
				return
			}
		}
		if len(d.queue) == 0 {
			setSpeaking(false)
		}
	}
}

// discordFrames resamples clip to 48 kHz, duplicates it onto both channels
// and cuts it into interleaved 20 ms frames. The last frame is padded with
// silence.
func discordFrames(clip audio.Clip) [][]int16 {
	mono := audio.PCM16ToInt16(audio.ResampleMono16(clip.PCM(), clip.SampleRate(), discordRate))
	if rem := len(mono) % discordFrameSize; rem != 0 {
		mono = append(mono, make([]int16, discordFrameSize-rem)...)
	}
	frames := make([][]int16, 0, len(mono)/discordFrameSize)
	for off := 0; off < len(mono); off += discordFrameSize {
		frame := make([]int16, discordFrameSize*discordChannels)
		for i, s := range mono[off : off+discordFrameSize] {
			frame[2*i], frame[2*i+1] = s, s
		}
		frames = append(frames, frame)
	}
	return frames
}
