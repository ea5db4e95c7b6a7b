package media

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
)

// ContentTypeSDP is the content type of session descriptions.
const ContentTypeSDP = "application/sdp"

// Static payload types offered by default: PCMU, PCMA.
var defaultPayloadTypes = []uint8{0, 8}

var rtpmaps = map[uint8]string{
	0:   "PCMU/8000",
	8:   "PCMA/8000",
	9:   "G722/8000",
	18:  "G729/8000",
	101: "telephone-event/8000",
}

// SDPOptions configures [NewSDPFactory].
type SDPOptions struct {
	// LocalIP is written into the origin and connection lines. Default 127.0.0.1.
	LocalIP string
	// Port is the advertised RTP port. Default 4000.
	Port int
	// PayloadTypes in order of preference. Default PCMU, PCMA.
	PayloadTypes []uint8
	// Ptime is the packetization time. Default 20ms.
	Ptime time.Duration
}

// SDPFactory creates sessions that negotiate an audio stream with SDP but never send media:
// [Session.Start] reports the session established right away and counters stay at zero.
// It is the default media collaborator of the user agent.
type SDPFactory struct {
	opts SDPOptions
}

// NewSDPFactory creates an SDP-only factory.
func NewSDPFactory(opts SDPOptions) *SDPFactory {
	if opts.LocalIP == "" {
		opts.LocalIP = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = 4000
	}
	if len(opts.PayloadTypes) == 0 {
		opts.PayloadTypes = defaultPayloadTypes
	}
	if opts.Ptime == 0 {
		opts.Ptime = 20 * time.Millisecond
	}
	return &SDPFactory{opts: opts}
}

// NewSession implements [Factory].
func (f *SDPFactory) NewSession(callID uint32, n Notifier) (Session, error) {
	return &SDPSession{
		callID:    callID,
		opts:      f.opts,
		notifier:  n,
		sessionID: uint64(time.Now().UnixNano()),
	}, nil
}

// SDPSession is the session type of [SDPFactory].
type SDPSession struct {
	callID    uint32
	opts      SDPOptions
	notifier  Notifier
	sessionID uint64

	mu      sync.Mutex
	offer   *sdp.SessionDescription
	remote  string
	codec   uint8
	started bool
	closed  bool
}

// Offer implements [Session].
func (s *SDPSession) Offer() (string, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrType := "IP4"
	if ip := net.ParseIP(s.opts.LocalIP); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}

	formats := make([]string, 0, len(s.opts.PayloadTypes))
	attrs := make([]sdp.Attribute, 0, len(s.opts.PayloadTypes)+2)
	for _, pt := range s.opts.PayloadTypes {
		formats = append(formats, strconv.Itoa(int(pt)))
		if m, ok := rtpmaps[pt]; ok {
			attrs = append(attrs, sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s", pt, m)))
		}
	}
	attrs = append(attrs,
		sdp.NewAttribute("ptime", strconv.Itoa(int(s.opts.Ptime/time.Millisecond))),
		sdp.NewPropertyAttribute("sendrecv"),
	)

	s.offer = &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      s.sessionID,
			SessionVersion: s.sessionID,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: s.opts.LocalIP,
		},
		SessionName: "go-sipua",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: s.opts.LocalIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: s.opts.Port},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}
	body, err := s.offer.Marshal()
	if err != nil {
		return "", nil, fmt.Errorf("marshal offer: %w", err)
	}
	return ContentTypeSDP, body, nil
}

// Answer implements [Session]. It picks the first format of the answer's audio stream we
// offered and records the remote RTP address.
func (s *SDPSession) Answer(contentType string, body []byte) error {
	if contentType != ContentTypeSDP {
		return fmt.Errorf("unsupported answer content type %q", contentType)
	}
	var answer sdp.SessionDescription
	if err := answer.Unmarshal(body); err != nil {
		return fmt.Errorf("parse answer: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, md := range answer.MediaDescriptions {
		if md.MediaName.Media != "audio" || md.MediaName.Port.Value == 0 {
			continue
		}
		for _, f := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(f, 10, 8)
			if err != nil || !slices.Contains(s.opts.PayloadTypes, uint8(pt)) {
				continue
			}
			host := connectionAddress(&answer, md)
			if host == "" {
				return errors.New("answer has no connection address")
			}
			s.codec = uint8(pt)
			s.remote = net.JoinHostPort(host, strconv.Itoa(md.MediaName.Port.Value))
			return nil
		}
	}
	return ErrNoCommonCodec
}

func connectionAddress(sd *sdp.SessionDescription, md *sdp.MediaDescription) string {
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		return md.ConnectionInformation.Address.Address
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		return sd.ConnectionInformation.Address.Address
	}
	return ""
}

// Remote returns the negotiated remote RTP address and payload type.
func (s *SDPSession) Remote() (addr string, payloadType uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote, s.codec
}

// Start implements [Session].
func (s *SDPSession) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session closed")
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.SessionEstablished(s.callID)
	}
	return nil
}

// Counters implements [Session]. No media is exchanged, so they are always zero.
func (s *SDPSession) Counters() Counters { return Counters{} }

// Close implements [Session].
func (s *SDPSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
