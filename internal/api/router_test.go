package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/consultation-orchestrator/internal/auth"
	"github.com/hackgods/consultation-orchestrator/internal/booking"
	"github.com/hackgods/consultation-orchestrator/internal/consultation"
	"github.com/hackgods/consultation-orchestrator/internal/events"
	"github.com/hackgods/consultation-orchestrator/internal/messaging"
	"github.com/hackgods/consultation-orchestrator/internal/protocol"
	"github.com/hackgods/consultation-orchestrator/internal/session"
	"github.com/hackgods/consultation-orchestrator/internal/store"
)

type fixture struct {
	mem     *store.Memory
	tokens  *auth.Tokens
	rooms   *session.Registry
	handler http.Handler
	doctor  uuid.UUID
	slots   []uuid.UUID
}

func newFixture(t *testing.T, rateLimit int) *fixture {
	t.Helper()
	mem := store.NewMemory()
	log := zap.NewNop()
	f := &fixture{mem: mem, tokens: auth.NewTokens("test-secret", "test"), doctor: uuid.New()}

	mem.PutUser(store.User{ID: f.doctor, Name: gofakeit.Name(), Role: store.RoleDoctor})
	mem.PutDoctor(store.Doctor{UserID: f.doctor, Approved: true, Available: true, VideoFee: 100, PhysicalFee: 60})
	base := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	for i := 0; i < 3; i++ {
		id := uuid.New()
		start := base.Add(time.Duration(i) * time.Hour)
		mem.PutSlot(store.Slot{ID: id, DoctorID: f.doctor, StartsAt: start, EndsAt: start.Add(30 * time.Minute)})
		f.slots = append(f.slots, id)
	}

	journal := events.NewJournal(mem, nil, log)
	rooms := session.NewRegistry(4, time.Minute, log)
	f.rooms = rooms
	consultations := consultation.NewService(mem, journal, log)
	t.Cleanup(rooms.Close)

	f.handler = NewRouter(RouterConfig{
		Store:            mem,
		Booking:          booking.NewCoordinator(mem, nil, journal, log, booking.WithBackoff(time.Millisecond)),
		Ledger:           booking.NewLedger(mem, journal, log),
		Consultations:    consultations,
		Messages:         messaging.NewService(mem, consultations, rooms, log),
		Rooms:            rooms,
		Tokens:           f.tokens,
		Log:              log,
		Env:              "test",
		Version:          "test",
		CORSOrigins:      []string{"*"},
		BookingRateLimit: rateLimit,
	})
	return f
}

func (f *fixture) patient(credits int64) uuid.UUID {
	id := uuid.New()
	f.mem.PutUser(store.User{ID: id, Name: gofakeit.Name(), Role: store.RolePatient})
	f.mem.PutAccount(store.Account{UserID: id, Credits: credits})
	return id
}

func (f *fixture) do(t *testing.T, method, path string, user uuid.UUID, role store.Role, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != uuid.Nil {
		token, err := f.tokens.Issue(user, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) book(t *testing.T, patient uuid.UUID, slot uuid.UUID, modality string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, "/consultations", patient, store.RolePatient, BookConsultationRequest{
		DoctorID: f.doctor.String(),
		SlotID:   slot.String(),
		Modality: modality,
	})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodGet, "/health/live", uuid.Nil, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/health/ready", uuid.Nil, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[ReadinessResponse](t, rec)
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, "ok", ready.Dependencies["store"])
	assert.Equal(t, "disabled", ready.Dependencies["redis"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, 0)
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestAuthenticatedRoutesRejectMissingToken(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodGet, "/consultations", uuid.Nil, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBook_CreatedThenSlotUnavailable(t *testing.T) {
	f := newFixture(t, 0)
	p1 := f.patient(500)
	p2 := f.patient(500)

	rec := f.book(t, p1, f.slots[0], "video")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	booked := decode[BookConsultationResponse](t, rec)
	assert.Equal(t, int64(100), booked.CreditsCharged)
	assert.Equal(t, "scheduled", booked.Status)

	rec = f.book(t, p2, f.slots[0], "video")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "slot_unavailable", decode[ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodGet, "/accounts/me", p1, store.RolePatient, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(400), decode[AccountResponse](t, rec).Credits)
}

func TestBook_InsufficientCreditsReportsShortfall(t *testing.T) {
	f := newFixture(t, 0)
	p := f.patient(30)

	rec := f.book(t, p, f.slots[0], "physical")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode[InsufficientCreditsResponse](t, rec)
	assert.Equal(t, "insufficient_credits", body.Error)
	assert.Equal(t, int64(30), body.Balance)
	assert.Equal(t, int64(60), body.Fee)
	assert.Equal(t, int64(30), body.Shortfall)
}

func TestBook_ValidatesBody(t *testing.T) {
	f := newFixture(t, 0)
	p := f.patient(500)

	rec := f.book(t, p, f.slots[0], "telepathy")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decode[ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodPost, "/consultations", p, store.RolePatient, map[string]string{"slot_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBook_RateLimitedPerIP(t *testing.T) {
	f := newFixture(t, 1)
	p := f.patient(500)

	require.Equal(t, http.StatusCreated, f.book(t, p, f.slots[0], "video").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.book(t, p, f.slots[1], "video").Code)
}

func TestCancelRefundsAndRecordsTransaction(t *testing.T) {
	f := newFixture(t, 0)
	p := f.patient(200)

	booked := decode[BookConsultationResponse](t, f.book(t, p, f.slots[0], "video"))
	path := "/consultations/" + booked.ConsultationID.String()

	rec := f.do(t, http.MethodPost, path+"/cancel", p, store.RolePatient, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decode[ConsultationResponse](t, rec)
	assert.Equal(t, "cancelled", cancelled.Status)
	assert.True(t, cancelled.Refunded)

	rec = f.do(t, http.MethodPost, path+"/cancel", p, store.RolePatient, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	acct := decode[AccountResponse](t, f.do(t, http.MethodGet, "/accounts/me", p, store.RolePatient, nil))
	assert.Equal(t, int64(200), acct.Credits)

	txs := decode[[]TransactionResponse](t, f.do(t, http.MethodGet, "/accounts/me/transactions", p, store.RolePatient, nil))
	kinds := map[string]int{}
	for _, tx := range txs {
		kinds[tx.Kind]++
	}
	assert.Equal(t, 1, kinds["payment"])
	assert.Equal(t, 1, kinds["refund"])
}

func TestConsultationAccessIsLimitedToParties(t *testing.T) {
	f := newFixture(t, 0)
	p := f.patient(200)
	stranger := f.patient(200)

	booked := decode[BookConsultationResponse](t, f.book(t, p, f.slots[0], "video"))
	path := "/consultations/" + booked.ConsultationID.String()

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path, p, store.RolePatient, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path, f.doctor, store.RoleDoctor, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, path, stranger, store.RolePatient, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/consultations/not-a-uuid", p, store.RolePatient, nil).Code)

	list := decode[[]ConsultationResponse](t, f.do(t, http.MethodGet, "/consultations", p, store.RolePatient, nil))
	require.Len(t, list, 1)
	assert.Equal(t, booked.ConsultationID, list[0].ID)
}

func TestVideoLifecycleUnlocksChat(t *testing.T) {
	f := newFixture(t, 0)
	p := f.patient(200)

	booked := decode[BookConsultationResponse](t, f.book(t, p, f.slots[0], "video"))
	path := "/consultations/" + booked.ConsultationID.String()

	rec := f.do(t, http.MethodPost, path+"/session", p, store.RolePatient, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[SessionResponse](t, rec)
	assert.NotEmpty(t, first.RoomID)
	assert.Equal(t, "waiting", first.Phase)

	again := decode[SessionResponse](t, f.do(t, http.MethodPost, path+"/session", f.doctor, store.RoleDoctor, nil))
	assert.Equal(t, first.RoomID, again.RoomID)

	rec = f.do(t, http.MethodPost, path+"/messages", p, store.RolePatient, TextRequest{Text: "hello"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "chat_locked", decode[ErrorResponse](t, rec).Error)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, path+"/start", f.doctor, store.RoleDoctor, nil).Code)
	rec = f.do(t, http.MethodPost, path+"/complete", f.doctor, store.RoleDoctor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	done := decode[ConsultationResponse](t, rec)
	assert.True(t, done.AllowedChat)
	assert.True(t, done.VideoCallCompleted)

	rec = f.do(t, http.MethodPost, path+"/messages", p, store.RolePatient, TextRequest{Text: "thanks doctor"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[ChatMessageResponse](t, rec)
	assert.Equal(t, f.doctor, msg.RecipientID)

	rec = f.do(t, http.MethodPost, "/messages/"+msg.ID.String()+"/read", p, store.RolePatient, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, http.MethodPost, "/messages/"+msg.ID.String()+"/read", f.doctor, store.RoleDoctor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ChatMessageResponse](t, rec).Read)

	chat := decode[[]ChatMessageResponse](t, f.do(t, http.MethodGet, path+"/messages", f.doctor, store.RoleDoctor, nil))
	assert.Len(t, chat, 1)
}

type chanPeer chan []byte

func (p chanPeer) Deliver(frame []byte) bool {
	select {
	case p <- frame:
		return true
	default:
		return false
	}
}

func (chanPeer) Close() {}

// waitFor drains p until a frame of kind arrives.
func (p chanPeer) waitFor(t *testing.T, kind protocol.Kind) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case raw := <-p:
			var fr protocol.Frame
			require.NoError(t, json.Unmarshal(raw, &fr))
			if fr.Type == kind {
				return
			}
		case <-timeout:
			t.Fatalf("no %s frame received", kind)
		}
	}
}

func TestCompleteOverHTTPEndsLiveRoom(t *testing.T) {
	f := newFixture(t, 0)
	p := f.patient(200)
	ctx := context.Background()

	booked := decode[BookConsultationResponse](t, f.book(t, p, f.slots[0], "video"))
	path := "/consultations/" + booked.ConsultationID.String()
	sess := decode[SessionResponse](t, f.do(t, http.MethodPost, path+"/session", p, store.RolePatient, nil))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, path+"/start", f.doctor, store.RoleDoctor, nil).Code)

	patientPeer, doctorPeer := make(chanPeer, 8), make(chanPeer, 8)
	_, err := f.rooms.Join(ctx, session.JoinRequest{RoomID: sess.RoomID, ConsultationID: booked.ConsultationID, UserID: p, Role: store.RolePatient, Peer: patientPeer})
	require.NoError(t, err)
	_, err = f.rooms.Join(ctx, session.JoinRequest{RoomID: sess.RoomID, ConsultationID: booked.ConsultationID, UserID: f.doctor, Role: store.RoleDoctor, Peer: doctorPeer})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, path+"/complete", p, store.RolePatient, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(store.StatusCompleted), decode[ConsultationResponse](t, rec).Status)

	patientPeer.waitFor(t, protocol.KindCallEnded)
	doctorPeer.waitFor(t, protocol.KindCallEnded)

	snap, live := f.rooms.Snapshot(ctx, sess.RoomID)
	require.True(t, live)
	assert.Equal(t, session.PhaseEnded, snap.Phase)

	err = f.rooms.Relay(ctx, sess.RoomID, store.RolePatient, patientPeer, []byte(`{"type":"offer","payload":{"sdp":"after-complete"}}`))
	assert.ErrorIs(t, err, session.ErrRoomEnded)
}

func TestPhysicalConsultationHasNoSession(t *testing.T) {
	f := newFixture(t, 0)
	p := f.patient(200)

	booked := decode[BookConsultationResponse](t, f.book(t, p, f.slots[0], "physical"))
	rec := f.do(t, http.MethodPost, "/consultations/"+booked.ConsultationID.String()+"/session", p, store.RolePatient, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestNotes(t *testing.T) {
	f := newFixture(t, 0)
	p := f.patient(200)

	booked := decode[BookConsultationResponse](t, f.book(t, p, f.slots[0], "video"))
	path := "/consultations/" + booked.ConsultationID.String() + "/notes"

	rec := f.do(t, http.MethodPost, path, f.doctor, store.RoleDoctor, TextRequest{Text: "bring previous results"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "doctor", decode[NoteResponse](t, rec).AuthorRole)

	rec = f.do(t, http.MethodPost, path, p, store.RolePatient, TextRequest{Text: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	notes := decode[[]NoteResponse](t, f.do(t, http.MethodGet, path, p, store.RolePatient, nil))
	require.Len(t, notes, 1)
	assert.Equal(t, "bring previous results", notes[0].Text)
}

func TestPurchase(t *testing.T) {
	f := newFixture(t, 0)
	p := f.patient(10)

	rec := f.do(t, http.MethodPost, "/accounts/me/purchases", p, store.RolePatient, PurchaseRequest{Amount: 90})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[PurchaseResponse](t, rec)
	assert.Equal(t, int64(100), out.Account.Credits)
	assert.Equal(t, "purchase", out.Transaction.Kind)
	assert.Equal(t, "completed", out.Transaction.Status)

	rec = f.do(t, http.MethodPost, "/accounts/me/purchases", p, store.RolePatient, PurchaseRequest{Amount: 200_000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSlotsHidesBooked(t *testing.T) {
	f := newFixture(t, 0)
	p := f.patient(200)
	require.Equal(t, http.StatusCreated, f.book(t, p, f.slots[0], "video").Code)

	rec := f.do(t, http.MethodGet, "/doctors/"+f.doctor.String()+"/slots", uuid.Nil, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	slots := decode[[]SlotResponse](t, rec)
	require.Len(t, slots, 2)
	for _, s := range slots {
		assert.NotEqual(t, f.slots[0], s.ID)
	}
}

func TestReadinessFailsWhenStoreIsDown(t *testing.T) {
	h := NewHealthHandler(downStore{}, nil, nil, "test", "v")
	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return context.DeadlineExceeded }

func TestBookRequestConversionRejectsMalformedIDs(t *testing.T) {
	patient := uuid.New()

	_, err := BookConsultationRequest{DoctorID: "dr-house", SlotID: uuid.NewString(), Modality: "video"}.toBooking(patient)
	assert.ErrorContains(t, err, "doctor_id")

	_, err = BookConsultationRequest{DoctorID: uuid.NewString(), SlotID: "tomorrow", Modality: "video"}.toBooking(patient)
	assert.ErrorContains(t, err, "slot_id")

	doctor, slot := uuid.New(), uuid.New()
	req, err := BookConsultationRequest{DoctorID: doctor.String(), SlotID: slot.String(), Modality: "physical"}.toBooking(patient)
	require.NoError(t, err)
	assert.Equal(t, patient, req.PatientID)
	assert.Equal(t, doctor, req.DoctorID)
	assert.Equal(t, slot, req.SlotID)
	assert.Equal(t, store.ModalityPhysical, req.Modality)
}
