package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RedeemReward godoc
// @ID          redeemReward
// @Summary     Redeem a reward
// @Description Marks a reward used, by instance ID or code, and resets the
// @Description customer's visit counter.
// @Tags        Rewards
// @Produce     json
//
// @Param       id  path  string  true  "Reward instance ID or code"  example(RWD-7K2M-QX9P)
//
// @Success     200  {object}  domain.RewardInstance
// @Failure     404  {object}  handlers.ErrorResponse  "Reward not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already redeemed"
// @Failure     410  {object}  handlers.ErrorResponse  "Reward expired"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rewards/{id}/redeem [post]
func (h *Handlers) RedeemReward(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "reward id or code required")
		return
	}

	r, err := h.rewardSvc.Redeem(c.Request.Context(), id)
	if err != nil {
		failErr(c, err, ErrCodeRedeemFailed)
		return
	}
	ok(c, http.StatusOK, r)
}
