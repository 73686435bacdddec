package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/payrecon/internal/common"
)

// Handler exposes the payment HTTP surface.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc, Validate: validator.New()}
}

type initiateReq struct {
	OrderID        string `json:"order_id" validate:"required,uuid"`
	MerchantUserID string `json:"merchant_user_id" validate:"omitempty,max=64"`
	Locale         string `json:"locale" validate:"omitempty,bcp47_language_tag"`
}

type initiateResp struct {
	MerchantTxnID string `json:"merchant_txn_id"`
	RedirectURL   string `json:"redirect_url"`
	Method        string `json:"method"`
}

// Initiate opens a payment session and returns the gateway redirect.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid initiate request", validationDetails(err))
		return
	}

	res, err := h.Svc.Initiate(r.Context(), InitiateInput{
		OrderID:        req.OrderID,
		MerchantUserID: req.MerchantUserID,
		Locale:         req.Locale,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, initiateResp{
		MerchantTxnID: res.MerchantTxnID,
		RedirectURL:   res.RedirectURL,
		Method:        res.Method,
	})
}

// Status returns the reconciled state for one merchant transaction id.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	mtid := strings.TrimSpace(chi.URLParam(r, "merchantTxnID"))
	if mtid == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "merchant transaction id is required", nil)
		return
	}
	view, err := h.Svc.Status(r.Context(), mtid)
	if err != nil {
		writeAppError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, view)
}

func writeAppError(w http.ResponseWriter, err error) {
	var ae *common.AppError
	if errors.As(err, &ae) {
		common.JSONError(w, ae.HTTPStatus, ae.Code, ae.Message, ae.Details)
		return
	}
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}

func validationDetails(err error) map[string]any {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}
	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
	}
	return details
}
