package api

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/benthecarman/lnurl-spark/models/invoices"
	"github.com/benthecarman/lnurl-spark/models/users"
	"github.com/benthecarman/lnurl-spark/zapreceipt"
)

// maxCommentLength is what we announce as commentAllowed and enforce on the
// callback, matching the lnurlp_comment column
const maxCommentLength = 100

// PayResponse is the LNURL-pay metadata document served from the .well-known
// endpoint
type PayResponse struct {
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`
	MaxSendable    int64  `json:"maxSendable"`
	Tag            string `json:"tag"`
	Metadata       string `json:"metadata"`
	CommentAllowed int    `json:"commentAllowed"`
	AllowsNostr    bool   `json:"allowsNostr"`
	NostrPubkey    string `json:"nostrPubkey"`
}

// Metadata builds the LNURL-pay metadata document for the given name. The
// invoice's description hash commits to exactly this string, so its shape
// must not change.
func Metadata(name, domain string) string {
	return fmt.Sprintf(
		"[[\"text/identifier\",\"%s@%s\"],[\"text/plain\",\"Sats for %s\"]]",
		name, domain, name)
}

func (r *RestServer) getLnurlPay() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if name == "" {
			lnurlError(c, "Name parameter is required")
			return
		}

		if _, err := users.GetByName(r.db, name); err != nil {
			if errors.Is(err, users.ErrUserNotFound) {
				lnurlError(c, "User not found")
				return
			}
			log.WithError(err).Error("Could not look up user")
			lnurlError(c, "ServerError")
			return
		}

		c.JSON(http.StatusOK, PayResponse{
			Callback:       fmt.Sprintf("https://%s/get-invoice/%s", r.config.Domain, name),
			MinSendable:    r.config.MinSendable,
			MaxSendable:    r.config.MaxSendable,
			Tag:            "payRequest",
			Metadata:       Metadata(name, r.config.Domain),
			CommentAllowed: maxCommentLength,
			AllowsNostr:    true,
			NostrPubkey:    r.config.NostrPubkey,
		})
	}
}

func (r *RestServer) getInvoice() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")

		user, err := users.GetByName(r.db, name)
		if err != nil {
			if errors.Is(err, users.ErrUserNotFound) {
				lnurlError(c, "User not found")
				return
			}
			log.WithError(err).Error("Could not look up user")
			lnurlError(c, "ServerError")
			return
		}

		amountStr := c.Query("amount")
		if amountStr == "" {
			lnurlError(c, "Missing amount parameter")
			return
		}
		amountMSat, err := strconv.ParseInt(amountStr, 10, 64)
		if err != nil {
			lnurlError(c, "Invalid amount parameter")
			return
		}
		if amountMSat < r.config.MinSendable || amountMSat > r.config.MaxSendable {
			lnurlError(c, "Amount out of bounds")
			return
		}

		comment := c.Query("comment")
		if len(comment) > maxCommentLength {
			lnurlError(c, "Comment is too long")
			return
		}

		// the description hash commits to the zap request when there is
		// one, and to the LNURL metadata otherwise
		zapRequest := c.Query("nostr")
		var descriptionHash [32]byte
		if zapRequest != "" {
			if _, err := zapreceipt.ParseZapRequest(zapRequest); err != nil {
				lnurlError(c, "Invalid zap request")
				return
			}
			descriptionHash = sha256.Sum256([]byte(zapRequest))
		} else {
			descriptionHash = sha256.Sum256([]byte(Metadata(name, r.config.Domain)))
		}

		invoice, err := invoices.NewInvoice(r.db, r.lncli, invoices.NewInvoiceOpts{
			UserID:          user.ID,
			AmountMSat:      amountMSat,
			Comment:         comment,
			ZapRequest:      zapRequest,
			DescriptionHash: descriptionHash[:],
		})
		if err != nil {
			switch {
			case errors.Is(err, invoices.ErrZapsDisabled):
				lnurlError(c, "Zaps are disabled for this user")
			case errors.Is(err, invoices.ErrBackendUnavailable):
				log.WithError(err).Error("Could not create invoice")
				lnurlError(c, "Could not create invoice")
			default:
				log.WithError(err).Error("Could not create invoice")
				lnurlError(c, "ServerError")
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "OK",
			"pr":     invoice.Bolt11,
			"routes": []string{},
		})
	}
}

// RegisterRequest is the body for the register endpoint
type RegisterRequest struct {
	Name   string `json:"name" binding:"required"`
	Pubkey string `json:"pubkey" binding:"required"`
}

// RegisterResponse is the response for the register endpoint
type RegisterResponse struct {
	Name string `json:"name"`
}

func (r *RestServer) register() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest"})
			return
		}

		user, err := users.Create(r.db, users.CreateUserArgs{
			Name:   req.Name,
			Pubkey: req.Pubkey,
		})
		if err != nil {
			switch {
			case errors.Is(err, users.ErrNameMustBeUnique):
				c.JSON(http.StatusBadRequest, gin.H{"error": "NameTaken"})
			case errors.Is(err, users.ErrPubkeyMustBeUnique):
				c.JSON(http.StatusBadRequest, gin.H{"error": "PubkeyTaken"})
			case errors.Is(err, users.ErrInvalidPubkey):
				c.JSON(http.StatusBadRequest, gin.H{"error": "InvalidPubkey"})
			default:
				log.WithError(err).Error("Could not insert new user")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "ServerError"})
			}
			return
		}

		c.JSON(http.StatusOK, RegisterResponse{Name: user.Name})
	}
}
