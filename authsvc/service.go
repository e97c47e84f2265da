// Package authsvc is the bundled business logic behind the seven request tags:
// captchas from a directory, password and face checks against the store, and
// a statistics snapshot.
package authsvc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"facegate/codec"
	"facegate/message"
	"facegate/middleware"
	"facegate/protocol"
	"facegate/server"
	"facegate/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoCaptchas = errors.New("no captcha images loaded")

// captchaKey holds the answer of the last captcha issued on a session.
const captchaKey = "captcha"

type captcha struct {
	answer string
	image  []byte
}

// Statistics is the JSON document served for the statistics request.
type Statistics struct {
	Users           int64  `json:"users"`
	Faces           int64  `json:"faces"`
	CaptchasIssued  uint64 `json:"captchas_issued"`
	CaptchasSolved  uint64 `json:"captchas_solved"`
	CaptchasFailed  uint64 `json:"captchas_failed"`
	LoginsAccepted  uint64 `json:"logins_accepted"`
	LoginsRejected  uint64 `json:"logins_rejected"`
	FacesMatched    uint64 `json:"faces_matched"`
	FacesRejected   uint64 `json:"faces_rejected"`
	PasswordChanges uint64 `json:"password_changes"`
	FacesEnrolled   uint64 `json:"faces_enrolled"`
}

type counters struct {
	captchasIssued, captchasSolved, captchasFailed atomic.Uint64
	loginsAccepted, loginsRejected                 atomic.Uint64
	facesMatched, facesRejected                    atomic.Uint64
	passwordChanges, facesEnrolled                 atomic.Uint64
}

// Options configures a Service.
type Options struct {
	// CaptchaDir holds *.png images; each file stem is the expected answer.
	CaptchaDir string
	// Codec encodes statistics; JSON by default.
	Codec  codec.Codec
	Logger *zerolog.Logger
}

// Service implements the request handlers.
type Service struct {
	db       *store.DB
	codec    codec.Codec
	log      zerolog.Logger
	captchas []captcha
	stats    counters
}

// New loads the captcha directory and returns a service backed by db.
func New(db *store.DB, opts Options) (*Service, error) {
	s := &Service{db: db, codec: opts.Codec, log: log.Logger}
	if s.codec == nil {
		s.codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	if opts.CaptchaDir != "" {
		captchas, err := loadCaptchas(opts.CaptchaDir)
		if err != nil {
			return nil, err
		}
		s.captchas = captchas
	}
	s.log.Info().Int("captchas", len(s.captchas)).Msg("auth service ready")
	return s, nil
}

func loadCaptchas(dir string) ([]captcha, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, err
	}
	captchas := make([]captcha, 0, len(paths))
	for _, p := range paths {
		image, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("load captcha: %w", err)
		}
		answer := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		captchas = append(captchas, captcha{answer: answer, image: image})
	}
	return captchas, nil
}

// Register installs a handler for every request tag on svr.
func (s *Service) Register(svr *server.Server) {
	for tag, h := range s.Handlers() {
		svr.Handle(tag, h)
	}
}

// Handlers returns the handler for every request tag.
func (s *Service) Handlers() map[protocol.RequestTag]middleware.HandlerFunc {
	return map[protocol.RequestTag]middleware.HandlerFunc{
		protocol.CaptchaRequest:          s.Captcha,
		protocol.CaptchaCheckRequest:     s.CheckCaptcha,
		protocol.CredentialsCheckRequest: s.CheckCredentials,
		protocol.FaceCheckRequest:        s.CheckFace,
		protocol.StatisticsRequest:       s.Statistics,
		protocol.ChangePasswordRequest:   s.ChangePassword,
		protocol.AddImageRequest:         s.AddImage,
	}
}

// Captcha issues a random captcha and remembers its answer on the session.
func (s *Service) Captcha(ctx context.Context, req *message.Request) *message.Response {
	if len(s.captchas) == 0 {
		return message.Failed(ErrNoCaptchas)
	}
	c := s.captchas[rand.IntN(len(s.captchas))]
	req.Session.Set(captchaKey, c.answer)
	s.stats.captchasIssued.Add(1)
	return &message.Response{Payload: c.image}
}

// CheckCaptcha compares the guess with the last issued answer, ignoring case.
// Every answer is good for one guess.
func (s *Service) CheckCaptcha(ctx context.Context, req *message.Request) *message.Response {
	fields, err := decodeFields(req.Payload, 1)
	if err != nil {
		return message.Failed(err)
	}
	answer, ok := req.Session.Take(captchaKey)
	solved := ok && strings.EqualFold(fields[0], answer.(string))
	if solved {
		s.stats.captchasSolved.Add(1)
	} else {
		s.stats.captchasFailed.Add(1)
	}
	return message.Bool(solved)
}

func (s *Service) CheckCredentials(ctx context.Context, req *message.Request) *message.Response {
	fields, err := decodeFields(req.Payload, 2)
	if err != nil {
		return message.Failed(err)
	}
	u, err := s.db.Authenticate(fields[0], fields[1])
	if err != nil {
		return message.Failed(err)
	}
	if u == nil {
		s.stats.loginsRejected.Add(1)
		return message.Bool(false)
	}
	s.stats.loginsAccepted.Add(1)
	return message.Bool(true)
}

// CheckFace accepts an image identical to one enrolled for any user.
func (s *Service) CheckFace(ctx context.Context, req *message.Request) *message.Response {
	if len(req.Payload) == 0 {
		s.stats.facesRejected.Add(1)
		return message.Bool(false)
	}
	u, err := s.db.UserByFace(req.Payload)
	if err != nil {
		return message.Failed(err)
	}
	if u == nil {
		s.stats.facesRejected.Add(1)
		return message.Bool(false)
	}
	s.log.Debug().Str("user", u.Username).Msg("face matched")
	s.stats.facesMatched.Add(1)
	return message.Bool(true)
}

func (s *Service) Statistics(ctx context.Context, req *message.Request) *message.Response {
	snapshot, err := s.Snapshot()
	if err != nil {
		return message.Failed(err)
	}
	payload, err := s.codec.Encode(snapshot)
	if err != nil {
		return message.Failed(err)
	}
	return &message.Response{Payload: payload}
}

// Snapshot reads the current counters and store totals.
func (s *Service) Snapshot() (Statistics, error) {
	users, faces, err := s.db.Counts()
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{
		Users:           users,
		Faces:           faces,
		CaptchasIssued:  s.stats.captchasIssued.Load(),
		CaptchasSolved:  s.stats.captchasSolved.Load(),
		CaptchasFailed:  s.stats.captchasFailed.Load(),
		LoginsAccepted:  s.stats.loginsAccepted.Load(),
		LoginsRejected:  s.stats.loginsRejected.Load(),
		FacesMatched:    s.stats.facesMatched.Load(),
		FacesRejected:   s.stats.facesRejected.Load(),
		PasswordChanges: s.stats.passwordChanges.Load(),
		FacesEnrolled:   s.stats.facesEnrolled.Load(),
	}, nil
}

// ChangePassword answers false for bad credentials or an empty new password.
func (s *Service) ChangePassword(ctx context.Context, req *message.Request) *message.Response {
	fields, err := decodeFields(req.Payload, 3)
	if err != nil {
		return message.Failed(err)
	}
	username, oldPassword, newPassword := fields[0], fields[1], fields[2]
	if newPassword == "" {
		return message.Bool(false)
	}
	u, err := s.db.Authenticate(username, oldPassword)
	if err != nil {
		return message.Failed(err)
	}
	if u == nil {
		return message.Bool(false)
	}
	hash, err := store.HashPassword(newPassword)
	if err != nil {
		return message.Failed(err)
	}
	if err := s.db.UpdateUserPassword(u.ID, hash); err != nil {
		return message.Failed(err)
	}
	s.log.Info().Str("user", username).Msg("password changed")
	s.stats.passwordChanges.Add(1)
	return message.Bool(true)
}

// AddImage enrolls the trailing image bytes for the authenticated user.
func (s *Service) AddImage(ctx context.Context, req *message.Request) *message.Response {
	fields, image, err := protocol.UnfragmentStrings(req.Payload, 2)
	if err != nil {
		return message.Failed(err)
	}
	if len(image) == 0 {
		return message.Bool(false)
	}
	u, err := s.db.Authenticate(fields[0], fields[1])
	if err != nil {
		return message.Failed(err)
	}
	if u == nil {
		return message.Bool(false)
	}
	if err := s.db.AddFace(u.ID, image); err != nil {
		return message.Failed(err)
	}
	s.log.Info().Str("user", u.Username).Int("bytes", len(image)).Msg("face enrolled")
	s.stats.facesEnrolled.Add(1)
	return message.Bool(true)
}

// decodeFields decodes exactly n fragmented strings filling the whole payload.
func decodeFields(payload []byte, n int) ([]string, error) {
	fields, rest, err := protocol.UnfragmentStrings(payload, n)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %d strings", protocol.ErrProtocolViolation, len(rest), n)
	}
	return fields, nil
}
