package session

import (
	"fmt"
	"log/slog"
	"strings"
)

// Channel is a delivery channel for signing links.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
	ChannelQR       Channel = "qr"
)

// DeliveryOutcome is the result of one channel attempt for one signer.
type DeliveryOutcome struct {
	SignerID string  `json:"signerId"`
	Email    string  `json:"email"`
	Channel  Channel `json:"channel"`
	Status   string  `json:"status"`
	Detail   string  `json:"detail,omitempty"`
}

// Distributor fans signing links out to each signer over their preferred
// channels. The current adapters log the delivery rather than sending it; the
// channel table is the integration point for real providers.
type Distributor struct {
	engine *Engine
	log    *slog.Logger
}

// NewDistributor builds a distributor over a session engine.
func NewDistributor(engine *Engine, log *slog.Logger) *Distributor {
	return &Distributor{engine: engine, log: log}
}

// Distribute delivers every signer's link over their preferred channels
// (email when none are set), records each attempt on the signer's
// distribution log, and lifts the session out of created.
func (d *Distributor) Distribute(sessionID string) ([]DeliveryOutcome, error) {
	sess, err := d.engine.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	links, err := d.engine.SigningLinks(sessionID)
	if err != nil {
		return nil, err
	}
	byEmail := make(map[string]string, len(links))
	for _, l := range links {
		byEmail[l.Email] = l.URL
	}

	var outcomes []DeliveryOutcome
	for _, signer := range sess.Signers {
		channels := signer.PreferredChannels
		if len(channels) == 0 {
			channels = []string{string(ChannelEmail)}
		}
		for _, raw := range channels {
			outcome := d.deliver(&signer, Channel(strings.ToLower(raw)), byEmail[signer.Email])
			if err := d.engine.RecordDistribution(sessionID, signer.SignerID, DistributionRecord{
				Channel:     string(outcome.Channel),
				Destination: destinationFor(&signer, outcome.Channel),
				Status:      outcome.Status,
				Detail:      outcome.Detail,
			}); err != nil {
				return outcomes, err
			}
			outcomes = append(outcomes, outcome)
		}
	}
	return outcomes, nil
}

// deliver is the channel adapter table. Unknown channels fail the attempt
// rather than silently falling back.
func (d *Distributor) deliver(signer *Signer, ch Channel, url string) DeliveryOutcome {
	outcome := DeliveryOutcome{
		SignerID: signer.SignerID,
		Email:    signer.Email,
		Channel:  ch,
	}
	dest := destinationFor(signer, ch)

	switch ch {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelTelegram:
		if dest == "" {
			outcome.Status = "failed"
			outcome.Detail = fmt.Sprintf("no %s destination on file", ch)
			return outcome
		}
		d.log.Info("signing link queued",
			"channel", ch, "destination", dest, "signer", signer.Email)
		outcome.Status = "queued"
	case ChannelQR:
		// QR delivery renders at view time; the link itself is the payload.
		d.log.Info("signing link rendered as qr", "signer", signer.Email)
		outcome.Status = "rendered"
		outcome.Detail = url
	default:
		outcome.Status = "failed"
		outcome.Detail = fmt.Sprintf("unknown channel %q", ch)
	}
	return outcome
}

func destinationFor(signer *Signer, ch Channel) string {
	switch ch {
	case ChannelEmail:
		return signer.Email
	case ChannelSMS, ChannelWhatsApp:
		return signer.Phone
	case ChannelTelegram:
		return signer.Telegram
	case ChannelQR:
		return signer.Email
	default:
		return ""
	}
}
