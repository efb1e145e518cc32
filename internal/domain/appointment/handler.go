package appointment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/docbook/booking/internal/platform/auth"
	"github.com/docbook/booking/pkg/pagination"
)

type Handler struct {
	repo      Repository
	calendar  *Calendar
	booking   *BookingService
	lifecycle *LifecycleService
	payments  *PaymentReconciler
	dashboard *DashboardAggregator
}

func NewHandler(repo Repository, calendar *Calendar, booking *BookingService, lifecycle *LifecycleService,
	payments *PaymentReconciler, dashboard *DashboardAggregator) *Handler {
	return &Handler{
		repo:      repo,
		calendar:  calendar,
		booking:   booking,
		lifecycle: lifecycle,
		payments:  payments,
		dashboard: dashboard,
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Any signed-in party; ownership is checked per appointment.
	read := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	read.GET("/doctors/:id/slots", h.FreeSlots)
	read.GET("/appointments", h.ListAppointments)
	read.GET("/appointments/:id", h.GetAppointment)
	read.POST("/appointments/:id/cancel", h.Cancel)

	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.POST("/appointments", h.Book)
	patient.POST("/appointments/:id/pay-cash", h.PayCash)
	patient.POST("/appointments/:id/pay-online", h.PayOnline)

	doc := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doc.POST("/appointments/:id/complete", h.Complete)
	doc.GET("/dashboard/doctor", h.DoctorDashboard)

	gateway := api.Group("", auth.RequireRole(auth.RoleGateway))
	gateway.POST("/payments/confirm", h.ConfirmPayment)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/dashboard/admin", h.AdminDashboard)
}

// errorBody is the JSON shape of every typed failure.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorStatus = []struct {
	target error
	status int
	code   string
}{
	{ErrSlotUnavailable, http.StatusConflict, "slot_unavailable"},
	{ErrInvalidSlot, http.StatusBadRequest, "invalid_slot"},
	{ErrDoctorUnavailable, http.StatusUnprocessableEntity, "doctor_unavailable"},
	{ErrDoctorNotFound, http.StatusNotFound, "doctor_not_found"},
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrAlreadyTerminal, http.StatusConflict, "already_terminal"},
	{ErrAlreadyTerminalPayment, http.StatusConflict, "already_terminal_payment"},
	{ErrPaymentConflict, http.StatusConflict, "payment_conflict"},
	{ErrInvalidPaymentMode, http.StatusBadRequest, "invalid_payment_mode"},
	{ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{ErrForbidden, http.StatusForbidden, "forbidden"},
	{ErrStorage, http.StatusServiceUnavailable, "storage_unavailable"},
}

// toHTTPError maps a domain error to its status and code.
func toHTTPError(err error) error {
	for _, e := range errorStatus {
		if errors.Is(err, e.target) {
			msg := err.Error()
			if e.target == ErrStorage {
				msg = ErrStorage.Error()
			}
			return echo.NewHTTPError(e.status, errorBody{Code: e.code, Message: msg})
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal error"})
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, errorBody{Code: "invalid_request", Message: msg})
}

func actorOf(c echo.Context) (auth.Actor, error) {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return auth.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return actor, nil
}

func actorUUID(a auth.Actor) (uuid.UUID, error) {
	id, err := a.UUID()
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, errorBody{Code: "forbidden", Message: err.Error()})
	}
	return id, nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, badRequest("invalid id")
	}
	return id, nil
}

// canAccess reports whether actor owns appt. Admins own everything.
func canAccess(actor auth.Actor, appt *Appointment) bool {
	if actor.IsAdmin() {
		return true
	}
	id, err := actor.UUID()
	if err != nil {
		return false
	}
	switch actor.Role {
	case auth.RolePatient:
		return appt.PatientID == id
	case auth.RoleDoctor:
		return appt.DoctorID == id
	}
	return false
}

// loadOwned fetches the path appointment and checks the actor may act on it.
func (h *Handler) loadOwned(c echo.Context) (*Appointment, error) {
	actor, err := actorOf(c)
	if err != nil {
		return nil, err
	}
	id, err := pathID(c)
	if err != nil {
		return nil, err
	}
	appt, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, toHTTPError(ErrNotFound)
		}
		return nil, toHTTPError(errors.Join(ErrStorage, err))
	}
	if !canAccess(actor, appt) {
		return nil, toHTTPError(ErrForbidden)
	}
	return appt, nil
}

// FreeSlots handles GET /doctors/:id/slots?date=YYYY-MM-DD.
func (h *Handler) FreeSlots(c echo.Context) error {
	doctorID, err := pathID(c)
	if err != nil {
		return err
	}
	date := c.QueryParam("date")
	if date == "" {
		return badRequest("date query parameter is required")
	}
	slots, err := h.calendar.FreeSlots(c.Request().Context(), doctorID, date)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"doctor_id": doctorID,
		"date":      date,
		"slots":     slots,
	})
}

type bookRequest struct {
	PatientID   string      `json:"patient_id"`
	DoctorID    string      `json:"doctor_id"`
	Date        string      `json:"date"`
	Time        string      `json:"time"`
	PaymentMode PaymentMode `json:"payment_mode"`
}

// Book handles POST /appointments. Patients book for themselves; admins name the patient.
func (h *Handler) Book(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var body bookRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(err.Error())
	}
	doctorID, err := uuid.Parse(body.DoctorID)
	if err != nil {
		return badRequest("doctor_id must be a uuid")
	}
	if body.Date == "" || body.Time == "" {
		return badRequest("date and time are required")
	}

	var patientID uuid.UUID
	if actor.IsAdmin() {
		if patientID, err = uuid.Parse(body.PatientID); err != nil {
			return badRequest("patient_id must be a uuid")
		}
	} else if patientID, err = actorUUID(actor); err != nil {
		return err
	}

	appt, err := h.booking.Book(c.Request().Context(), BookRequest{
		PatientID:   patientID,
		DoctorID:    doctorID,
		Date:        body.Date,
		Time:        body.Time,
		PaymentMode: body.PaymentMode,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, appt)
}

// GetAppointment handles GET /appointments/:id.
func (h *Handler) GetAppointment(c echo.Context) error {
	appt, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appt)
}

// ListAppointments handles GET /appointments, scoped to the caller's role.
func (h *Handler) ListAppointments(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	var items []*Appointment
	var total int
	switch {
	case actor.IsAdmin():
		items, total, err = h.repo.ListAll(ctx, pg.Limit, pg.Offset)
	case actor.Role == auth.RoleDoctor:
		id, idErr := actorUUID(actor)
		if idErr != nil {
			return idErr
		}
		items, total, err = h.repo.ListByDoctor(ctx, id, pg.Limit, pg.Offset)
	default:
		id, idErr := actorUUID(actor)
		if idErr != nil {
			return idErr
		}
		items, total, err = h.repo.ListByPatient(ctx, id, pg.Limit, pg.Offset)
	}
	if err != nil {
		return toHTTPError(errors.Join(ErrStorage, err))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path))
}

// Cancel handles POST /appointments/:id/cancel.
func (h *Handler) Cancel(c echo.Context) error {
	appt, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	updated, err := h.lifecycle.Cancel(c.Request().Context(), appt.ID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// Complete handles POST /appointments/:id/complete.
func (h *Handler) Complete(c echo.Context) error {
	appt, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	updated, err := h.lifecycle.Complete(c.Request().Context(), appt.ID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// PayCash handles POST /appointments/:id/pay-cash.
func (h *Handler) PayCash(c echo.Context) error {
	appt, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	updated, err := h.payments.MarkCash(c.Request().Context(), appt.ID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// PayOnline handles POST /appointments/:id/pay-online.
func (h *Handler) PayOnline(c echo.Context) error {
	appt, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	updated, err := h.payments.StartOnlinePayment(c.Request().Context(), appt.ID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

type confirmRequest struct {
	AppointmentID string `json:"appointment_id"`
	GatewayRef    string `json:"gateway_ref"`
	Success       bool   `json:"success"`
}

// ConfirmPayment handles POST /payments/confirm from the payment collaborator.
func (h *Handler) ConfirmPayment(c echo.Context) error {
	var body confirmRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(err.Error())
	}
	id, err := uuid.Parse(body.AppointmentID)
	if err != nil {
		return badRequest("appointment_id must be a uuid")
	}
	appt, err := h.payments.ConfirmOnlinePayment(c.Request().Context(), PaymentEvent{
		AppointmentID: id,
		GatewayRef:    body.GatewayRef,
		Success:       body.Success,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, appt)
}

func latestParam(c echo.Context) int {
	n, err := strconv.Atoi(c.QueryParam("latest"))
	if err != nil || n <= 0 {
		return DefaultLatestN
	}
	if n > pagination.MaxLimit {
		return pagination.MaxLimit
	}
	return n
}

// AdminDashboard handles GET /dashboard/admin.
func (h *Handler) AdminDashboard(c echo.Context) error {
	summary, err := h.dashboard.AdminSummary(c.Request().Context(), latestParam(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

// DoctorDashboard handles GET /dashboard/doctor. Admins pass ?doctor_id=.
func (h *Handler) DoctorDashboard(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var doctorID uuid.UUID
	if actor.IsAdmin() {
		if doctorID, err = uuid.Parse(c.QueryParam("doctor_id")); err != nil {
			return badRequest("doctor_id query parameter must be a uuid")
		}
	} else if doctorID, err = actorUUID(actor); err != nil {
		return err
	}

	summary, err := h.dashboard.DoctorSummary(c.Request().Context(), doctorID, latestParam(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, summary)
}
