package node

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"filebot/internal/codec"
	"filebot/internal/domain"
	"filebot/internal/store"
)

const testLinkHost = "files.test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type published struct {
	queue   string
	payload any
}

// recordingPublisher keeps every published payload in order.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(_ context.Context, queue string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{queue: queue, payload: payload})
	return nil
}

func (p *recordingPublisher) answers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		if m.queue == domain.QueueAnswerMessage {
			out = append(out, m.payload.(domain.OutboundAnswer).Text)
		}
	}
	return out
}

func (p *recordingPublisher) mails() []domain.MailRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.MailRequest
	for _, m := range p.msgs {
		if m.queue == domain.QueueRegistrationMail {
			out = append(out, m.payload.(domain.MailRequest))
		}
	}
	return out
}

func (p *recordingPublisher) lastAnswer() string {
	a := p.answers()
	if len(a) == 0 {
		return ""
	}
	return a[len(a)-1]
}

type stubIngestor struct {
	calls int
	meta  domain.FileMetadata
	err   error
}

func (s *stubIngestor) IngestDocument(context.Context, *domain.FileRef) (domain.FileMetadata, error) {
	s.calls++
	return s.meta, s.err
}

func (s *stubIngestor) IngestPhoto(context.Context, []domain.FileRef) (domain.FileMetadata, error) {
	s.calls++
	return s.meta, s.err
}

type fixture struct {
	store    *store.SQLite
	pub      *recordingPublisher
	ingestor *stubIngestor
	codec    *codec.Codec
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "node.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c, err := codec.New(codec.Key{ID: 1, Secret: []byte("node-test-secret-0123456789")})
	require.NoError(t, err)

	f := &fixture{store: s, pub: &recordingPublisher{}, ingestor: &stubIngestor{}, codec: c}
	f.engine = NewEngine(s.Users(), s.RawLog(), f.pub, f.ingestor, c, Config{LinkHost: testLinkHost}, testLogger())
	return f
}

// seedUser stores a user for platform id 1 in the given shape.
func (f *fixture) seedUser(t *testing.T, state domain.UserState, email *string, active bool) *domain.UserRecord {
	t.Helper()
	ctx := context.Background()
	u, err := f.store.Users().FindOrCreate(ctx, domain.UserRecord{PlatformUserID: 1, Username: "alice"})
	require.NoError(t, err)
	u.State, u.Email, u.Active = state, email, active
	require.NoError(t, f.store.Users().Update(ctx, u))
	return u
}

func (f *fixture) user(t *testing.T) *domain.UserRecord {
	t.Helper()
	u, err := f.store.Users().FindByPlatformID(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, u)
	return u
}

func textEvent(text string) *domain.InboundEvent {
	return &domain.InboundEvent{ID: "evt-" + text, UserID: 1, ChatID: 100, Username: "alice", Text: text}
}

func strPtr(s string) *string { return &s }

func TestEngine_StateTable(t *testing.T) {
	tests := []struct {
		name       string
		state      domain.UserState
		email      *string
		active     bool
		input      string
		wantState  domain.UserState
		wantAnswer string
		wantMail   bool
	}{
		{"start", domain.StateBasic, nil, false, "/start", domain.StateBasic, GreetingText, false},
		{"help", domain.StateBasic, nil, false, "/help", domain.StateBasic, HelpText, false},
		{"registration when active", domain.StateBasic, strPtr("a@b.com"), true, "/registration", domain.StateBasic, AlreadyRegisteredText, false},
		{"registration when mail sent", domain.StateBasic, strPtr("a@b.com"), false, "/registration", domain.StateBasic, MailAlreadySentText, false},
		{"registration", domain.StateBasic, nil, false, "/registration", domain.StateWaitForEmail, EnterEmailText, false},
		{"cancel in basic", domain.StateBasic, nil, false, "/cancel", domain.StateBasic, NothingToCancelText, false},
		{"plain text in basic", domain.StateBasic, nil, false, "hello", domain.StateBasic, FallbackText, false},
		{"unknown command in basic", domain.StateBasic, nil, false, "/uptime", domain.StateBasic, FallbackText, false},
		{"cancel while waiting", domain.StateWaitForEmail, nil, false, "/cancel", domain.StateBasic, CancelledText, false},
		{"invalid email", domain.StateWaitForEmail, nil, false, "notanemail", domain.StateWaitForEmail, InvalidEmailText, false},
		{"valid email", domain.StateWaitForEmail, nil, false, "a@b.com", domain.StateBasic, CheckEmailText, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedUser(t, tt.state, tt.email, tt.active)

			require.NoError(t, f.engine.HandleText(context.Background(), textEvent(tt.input)))

			require.Equal(t, tt.wantAnswer, f.pub.lastAnswer())
			require.Equal(t, tt.wantState, f.user(t).State)
			require.Len(t, f.pub.mails(), map[bool]int{true: 1, false: 0}[tt.wantMail])
		})
	}
}

func TestEngine_EmailTakenByAnotherUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.store.Users().FindOrCreate(ctx, domain.UserRecord{PlatformUserID: 2})
	require.NoError(t, err)
	other.Email = strPtr("taken@b.com")
	require.NoError(t, f.store.Users().Update(ctx, other))

	f.seedUser(t, domain.StateWaitForEmail, nil, false)

	require.NoError(t, f.engine.HandleText(ctx, textEvent("Taken@B.com ")))
	require.Equal(t, EmailTakenText, f.pub.lastAnswer())

	u := f.user(t)
	require.Equal(t, domain.StateWaitForEmail, u.State)
	require.Nil(t, u.Email)
	require.Empty(t, f.pub.mails())
}

func TestEngine_UnknownStateLeavesRecordAlone(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, domain.UserState("LIMBO"), nil, false)

	require.NoError(t, f.engine.HandleText(context.Background(), textEvent("/cancel")))
	require.Equal(t, UnknownErrorText, f.pub.lastAnswer())
	require.Equal(t, domain.UserState("LIMBO"), f.user(t).State)
}

func TestDecide_StatesOutsideTable(t *testing.T) {
	valid := func(string) bool { return true }
	for _, state := range []domain.UserState{"", "LIMBO", "basic"} {
		for _, cmd := range []Command{CommandStart, CommandCancel, CommandRegistration, CommandNone} {
			u := &domain.UserRecord{State: state}
			got, ok := decide(u, cmd, "a@b.com", valid)
			require.False(t, ok, "state %q cmd %v", state, cmd)
			require.Equal(t, state, got.next)
			require.Equal(t, UnknownErrorText, got.answer)
			require.False(t, got.write)
			require.False(t, got.mail)
		}
	}
}

func TestEngine_RegistrationScenario(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	req.NoError(f.engine.HandleText(ctx, textEvent("/registration")))
	req.Equal(EnterEmailText, f.pub.lastAnswer())
	req.Equal(domain.StateWaitForEmail, f.user(t).State)

	req.NoError(f.engine.HandleText(ctx, textEvent("notanemail")))
	req.Equal(InvalidEmailText, f.pub.lastAnswer())
	req.Equal(domain.StateWaitForEmail, f.user(t).State)

	req.NoError(f.engine.HandleText(ctx, textEvent("a@b.com")))
	req.Equal(CheckEmailText, f.pub.lastAnswer())

	u := f.user(t)
	req.Equal(domain.StateBasic, u.State)
	req.Equal("a@b.com", *u.Email)
	req.False(u.Active)

	mails := f.pub.mails()
	req.Len(mails, 1)
	req.Equal("a@b.com", mails[0].EmailTo)
	id, err := f.codec.Decode(codec.PurposeUser, mails[0].UserToken)
	req.NoError(err)
	req.Equal(u.ID, id)
}

func TestEngine_ConcurrentDuplicateEmailEvents(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, domain.StateWaitForEmail, nil, false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.engine.HandleText(context.Background(), textEvent("a@b.com")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, f.pub.mails(), 1, "only the winning write may request a mail")

	answers := f.pub.answers()
	require.Len(t, answers, 8)
	var checks int
	for _, a := range answers {
		if a == CheckEmailText {
			checks++
		}
	}
	require.Equal(t, 1, checks)
	require.Equal(t, domain.StateBasic, f.user(t).State)
}

func TestEngine_RawLogHasNoDedup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := textEvent("/help")

	require.NoError(t, f.engine.HandleText(ctx, ev))
	require.NoError(t, f.engine.HandleText(ctx, ev))

	n, err := f.store.RawLog().CountByEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestEngine_UnregisteredPhotoIsRejected(t *testing.T) {
	f := newFixture(t)
	ev := &domain.InboundEvent{ID: "p1", UserID: 1, ChatID: 100, Photo: []domain.FileRef{{FileID: "ph"}}}

	require.NoError(t, f.engine.HandlePhoto(context.Background(), ev))
	require.Equal(t, PleaseRegisterText, f.pub.lastAnswer())
	require.Zero(t, f.ingestor.calls)

	// The first-seen user is created even when the upload is refused.
	u := f.user(t)
	require.False(t, u.Active)
	require.Equal(t, domain.StateBasic, u.State)
}

func TestEngine_MidCommandUploadIsRejected(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, domain.StateWaitForEmail, strPtr("a@b.com"), true)
	ev := &domain.InboundEvent{ID: "d1", UserID: 1, ChatID: 100, Document: &domain.FileRef{FileID: "doc"}}

	require.NoError(t, f.engine.HandleDocument(context.Background(), ev))
	require.Equal(t, MidCommandText, f.pub.lastAnswer())
	require.Zero(t, f.ingestor.calls)
}

func TestEngine_DocumentLink(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, domain.StateBasic, strPtr("a@b.com"), true)
	f.ingestor.meta = domain.FileMetadata{ID: 42, Kind: domain.ResourceDocument}
	ev := &domain.InboundEvent{ID: "d1", UserID: 1, ChatID: 100, Document: &domain.FileRef{FileID: "doc"}}

	require.NoError(t, f.engine.HandleDocument(context.Background(), ev))

	answer := f.pub.lastAnswer()
	require.True(t, strings.HasPrefix(answer, DocumentStoredText+"http://"+testLinkHost+"/document?id="), answer)
	token := answer[strings.Index(answer, "?id=")+len("?id="):]
	id, err := f.codec.Decode(codec.PurposeDocument, token)
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)
	_, err = f.codec.Decode(codec.PurposeUser, token)
	require.ErrorIs(t, err, codec.ErrNotFound)
}

func TestEngine_UploadFailureAnswersGenerically(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, domain.StateBasic, strPtr("a@b.com"), true)
	f.ingestor.err = errors.New("fetch timed out")

	ev := &domain.InboundEvent{ID: "p1", UserID: 1, ChatID: 100, Photo: []domain.FileRef{{FileID: "ph"}}}
	require.NoError(t, f.engine.HandlePhoto(context.Background(), ev))
	require.Equal(t, PhotoFailedText, f.pub.lastAnswer())
	require.Equal(t, 1, f.ingestor.calls)
}

func TestEngine_NilEvent(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.engine.HandleText(context.Background(), nil), domain.ErrMalformedInput)
	require.ErrorIs(t, f.engine.HandleDocument(context.Background(), nil), domain.ErrMalformedInput)
	require.ErrorIs(t, f.engine.HandlePhoto(context.Background(), nil), domain.ErrMalformedInput)
}
