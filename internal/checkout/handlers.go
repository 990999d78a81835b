package checkout

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/storefront-checkout/internal/common"
	"github.com/noah-isme/storefront-checkout/internal/pricing"
	"github.com/noah-isme/storefront-checkout/internal/threeds"
)

// Handler exposes the checkout over HTTP.
type Handler struct {
	Svc *Service
	// Idempotency guards mutating routes and passes reads through.
	// VoucherLimit and ConfirmLimit wrap the voucher and confirm routes.
	// Nil middlewares are skipped.
	Idempotency  func(http.Handler) http.Handler
	VoucherLimit func(http.Handler) http.Handler
	ConfirmLimit func(http.Handler) http.Handler
}

// Routes mounts the checkout API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/rails", h.Rails)
	r.Group(func(w chi.Router) {
		use(w, h.Idempotency)
		w.Post("/", h.Start)
		w.Post("/3ds/return", h.ChallengeReturn)
		w.Post("/3ds/closed", h.ChallengeClosed)
		w.Route("/{id}", func(c chi.Router) {
			c.Get("/", h.Get)
			c.Put("/cart", h.UpdateCart)
			c.Post("/address", h.SubmitAddress)
			c.With(orNoop(h.VoucherLimit)).Post("/voucher", h.ApplyVoucher)
			c.Post("/rail", h.SelectRail)
			c.With(orNoop(h.ConfirmLimit)).Post("/confirm", h.Confirm)
			c.Post("/back", h.Back)
			c.Post("/afterpay/shipping-address", h.AfterpayShippingAddress)
			c.Post("/afterpay/shipping-option", h.AfterpayShippingOption)
		})
	})
	return r
}

func use(r chi.Router, mw func(http.Handler) http.Handler) {
	if mw != nil {
		r.Use(mw)
	}
}

func orNoop(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var in StartInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	cs, err := h.Svc.Start(r.Context(), in)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": cs})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	cs, err := h.Svc.Get(r.Context(), chi.URLParam(r, "id"))
	respond(w, cs, err)
}

func (h *Handler) UpdateCart(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Items []pricing.LineItem `json:"items"`
	}
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	cs, err := h.Svc.UpdateCart(r.Context(), chi.URLParam(r, "id"), in.Items)
	respond(w, cs, err)
}

func (h *Handler) SubmitAddress(w http.ResponseWriter, r *http.Request) {
	var in AddressInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	cs, err := h.Svc.SubmitAddress(r.Context(), chi.URLParam(r, "id"), in)
	respond(w, cs, err)
}

func (h *Handler) ApplyVoucher(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Code string `json:"code"`
	}
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	cs, err := h.Svc.ApplyVoucher(r.Context(), chi.URLParam(r, "id"), in.Code)
	respond(w, cs, err)
}

func (h *Handler) SelectRail(w http.ResponseWriter, r *http.Request) {
	var in SelectInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	cs, err := h.Svc.SelectRail(r.Context(), chi.URLParam(r, "id"), in)
	respond(w, cs, err)
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var in ConfirmInput
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	cs, err := h.Svc.Confirm(r.Context(), chi.URLParam(r, "id"), in)
	respond(w, cs, err)
}

func (h *Handler) Back(w http.ResponseWriter, r *http.Request) {
	cs, err := h.Svc.Back(r.Context(), chi.URLParam(r, "id"))
	respond(w, cs, err)
}

func (h *Handler) AfterpayShippingAddress(w http.ResponseWriter, r *http.Request) {
	var in PostalAddress
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	rates, err := h.Svc.AfterpayShippingAddress(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"shippingOptions": rates}})
}

func (h *Handler) AfterpayShippingOption(w http.ResponseWriter, r *http.Request) {
	var in struct {
		OptionID string `json:"optionId"`
	}
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	cs, err := h.Svc.AfterpayShippingOption(r.Context(), chi.URLParam(r, "id"), in.OptionID)
	respond(w, cs, err)
}

func (h *Handler) ChallengeReturn(w http.ResponseWriter, r *http.Request) {
	var in ChallengeReturn
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	h.challenge(w, r, in)
}

func (h *Handler) ChallengeClosed(w http.ResponseWriter, r *http.Request) {
	var in ChallengeReturn
	if err := common.DecodeJSON(r, &in); err != nil {
		common.WriteError(w, err)
		return
	}
	in.Type = threeds.MessageClosed
	h.challenge(w, r, in)
}

func (h *Handler) challenge(w http.ResponseWriter, r *http.Request, in ChallengeReturn) {
	cs, err := h.Svc.ChallengeReturned(r.Context(), requestOrigin(r), in)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	if cs == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": cs})
}

func (h *Handler) Rails(w http.ResponseWriter, r *http.Request) {
	common.JSON(w, http.StatusOK, map[string]any{"data": h.Svc.Rails(r.Context())})
}

func respond(w http.ResponseWriter, cs *Session, err error) {
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": cs})
}

// requestOrigin is the Origin header, falling back to the Referer's
// scheme and host. An unparsable or relative Referer yields "".
func requestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	ref, err := url.Parse(r.Referer())
	if err != nil || ref.Scheme == "" || ref.Host == "" {
		return ""
	}
	return ref.Scheme + "://" + ref.Host
}
